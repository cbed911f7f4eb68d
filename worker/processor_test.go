package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mediaconv/config"
	"mediaconv/models"
	"mediaconv/services"
)

// fakeRunner pretends to be ffmpeg: it writes the output named by the last
// argument unless told to fail.
type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	exitCode int
	stderr   string
	err      error
	content  string
}

func (f *fakeRunner) Run(ctx context.Context, spec services.CommandSpec) (services.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec.Args)
	f.mu.Unlock()

	if f.err != nil {
		return services.RunResult{ExitCode: -1, Stderr: f.stderr}, f.err
	}
	if f.exitCode != 0 {
		return services.RunResult{ExitCode: f.exitCode, Stderr: f.stderr}, nil
	}

	content := f.content
	if content == "" {
		content = "encoded"
	}
	out := spec.Args[len(spec.Args)-1]
	if strings.Contains(out, "%04d") {
		for _, n := range []string{"0001", "0002"} {
			if err := os.WriteFile(strings.Replace(out, "%04d", n, 1), []byte(content+n), 0644); err != nil {
				return services.RunResult{}, err
			}
		}
		return services.RunResult{}, nil
	}
	return services.RunResult{}, os.WriteFile(out, []byte(content), 0644)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	err     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string]string{}, types: map[string]string{}}
}

func (m *memoryStore) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = string(data)
	m.types[key] = contentType
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryStore) URL(key string) string {
	return "http://localhost:4566/test-ffmpeg-bucket/" + key
}

func localProcessor(t *testing.T, runner services.Runner) (*Processor, string) {
	t.Helper()
	tempDir := t.TempDir()
	cfg := config.StorageConfig{Mode: config.ModeLocal}
	return NewProcessor(cfg, runner, services.NewLocalStorage(), services.NewRemoteStorage(cfg, newMemoryStore(), nil), tempDir, time.Minute), tempDir
}

func remoteProcessor(t *testing.T, runner services.Runner, store *memoryStore) (*Processor, string) {
	t.Helper()
	tempDir := t.TempDir()
	cfg := config.StorageConfig{Mode: config.ModeRemote, Provider: config.ProviderS3, Bucket: "test-ffmpeg-bucket", PathPrefix: "test-image"}
	return NewProcessor(cfg, runner, services.NewLocalStorage(), services.NewRemoteStorage(cfg, store, nil), tempDir, time.Minute), tempDir
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	return path
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files leaked: %v", entries)
	}
}

func TestProcessor_LocalImage(t *testing.T) {
	runner := &fakeRunner{content: "jpeg bytes"}
	proc, tempDir := localProcessor(t, runner)
	input := writeInput(t, "in.png", "png")
	output := filepath.Join(t.TempDir(), "out", "output.jpg")

	job := &models.ConversionJob{ID: "j1", InputPath: input, OutputPath: output, Params: models.ImageParams{Quality: 2}}
	result := proc.Process(context.Background(), job)

	if !result.Success || result.OutputPath != output || result.OutputURL != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if data, err := os.ReadFile(output); err != nil || string(data) != "jpeg bytes" {
		t.Fatalf("output missing: %v", err)
	}
	args := strings.Join(runner.calls[0], " ")
	if !strings.Contains(args, "-q:v 2") || !strings.Contains(args, "-i "+input) {
		t.Fatalf("unexpected encoder args: %s", args)
	}
	assertEmptyDir(t, tempDir)
}

func TestProcessor_MissingInput(t *testing.T) {
	runner := &fakeRunner{}
	proc, _ := localProcessor(t, runner)
	output := filepath.Join(t.TempDir(), "output.jpg")

	job := &models.ConversionJob{ID: "j2", InputPath: filepath.Join(t.TempDir(), "non-existent.png"), OutputPath: output, Params: models.ImageParams{Quality: 2}}
	result := proc.Process(context.Background(), job)

	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "does not exist") {
		t.Fatalf("unexpected error %q", result.Error)
	}
	if !errors.Is(result.Cause, services.ErrInputNotFound) || services.Retryable(result.Cause) {
		t.Fatalf("unexpected cause %v", result.Cause)
	}
	if runner.callCount() != 0 {
		t.Fatal("encoder must not run for a missing input")
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Fatal("no output should be created")
	}
}

func TestProcessor_EncoderRejectsInput(t *testing.T) {
	runner := &fakeRunner{exitCode: 1, stderr: "in.png: Invalid data found when processing input\n"}
	proc, tempDir := localProcessor(t, runner)
	output := filepath.Join(t.TempDir(), "output.jpg")

	job := &models.ConversionJob{ID: "j3", InputPath: writeInput(t, "in.png", "This is not a valid image file"), OutputPath: output, Params: models.ImageParams{Quality: 2}}
	result := proc.Process(context.Background(), job)

	if result.Success || result.Error == "" {
		t.Fatalf("expected failure with message, got %+v", result)
	}
	if !errors.Is(result.Cause, services.ErrConversionFailed) {
		t.Fatalf("unexpected cause %v", result.Cause)
	}
	if !strings.Contains(result.Error, "Invalid data found") {
		t.Fatalf("encoder diagnostics missing: %q", result.Error)
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Fatal("no output should be created")
	}
	assertEmptyDir(t, tempDir)
}

func TestProcessor_EncoderTimeout(t *testing.T) {
	runner := &fakeRunner{err: errors.New("encoder timed out after 1s")}
	proc, tempDir := localProcessor(t, runner)

	job := &models.ConversionJob{ID: "j4", InputPath: writeInput(t, "in.mp4", "x"), OutputPath: filepath.Join(t.TempDir(), "o.mp4"), Params: models.VideoParams{}, Timeout: 1}
	result := proc.Process(context.Background(), job)

	if result.Success || !strings.Contains(result.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", result)
	}
	assertEmptyDir(t, tempDir)
}

func TestProcessor_LocalModeNeedsOutputPath(t *testing.T) {
	runner := &fakeRunner{}
	proc, _ := localProcessor(t, runner)

	job := &models.ConversionJob{ID: "j5", InputPath: writeInput(t, "in.mp4", "x"), Params: models.VideoParams{}}
	if result := proc.Process(context.Background(), job); result.Success {
		t.Fatal("expected failure without output path")
	}
	if runner.callCount() != 0 {
		t.Fatal("encoder should not run")
	}
}

func TestProcessor_RemoteUpload(t *testing.T) {
	store := newMemoryStore()
	proc, tempDir := remoteProcessor(t, &fakeRunner{content: "jpeg bytes"}, store)
	output := filepath.Join(t.TempDir(), "output-s3.jpg")

	job := &models.ConversionJob{ID: "j6", InputPath: writeInput(t, "test-s3.png", "png"), OutputPath: output, Params: models.ImageParams{Quality: 2}}
	result := proc.Process(context.Background(), job)

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.OutputPath != "" {
		t.Fatalf("remote result must not carry a path: %q", result.OutputPath)
	}
	if !strings.Contains(result.OutputURL, "test-image/") || !strings.Contains(result.OutputURL, "/output-s3.jpg") {
		t.Fatalf("unexpected url %q", result.OutputURL)
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Fatal("local output should not exist in remote mode")
	}
	assertEmptyDir(t, tempDir)

	key := strings.TrimPrefix(result.OutputURL, "http://localhost:4566/test-ffmpeg-bucket/")
	if store.types[key] != "image/jpeg" {
		t.Fatalf("unexpected content type %q for %s", store.types[key], key)
	}
}

func TestProcessor_RemoteUploadFailureCleansUp(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("connection refused")
	proc, tempDir := remoteProcessor(t, &fakeRunner{}, store)

	job := &models.ConversionJob{ID: "j7", InputPath: writeInput(t, "in.mp4", "x"), OutputName: "clip.mp4", Params: models.VideoParams{}}
	result := proc.Process(context.Background(), job)

	if result.Success || result.OutputURL != "" {
		t.Fatalf("expected failure, got %+v", result)
	}
	if !services.Retryable(result.Cause) {
		t.Fatalf("upload failure should be retryable: %v", result.Cause)
	}
	assertEmptyDir(t, tempDir)
}

func TestProcessor_AudioArgs(t *testing.T) {
	runner := &fakeRunner{}
	proc, _ := localProcessor(t, runner)

	job := &models.ConversionJob{ID: "j8", InputPath: writeInput(t, "in.mp4", "x"), OutputPath: filepath.Join(t.TempDir(), "a.wav"), Params: models.AudioParams{Mono: true, Format: "wav"}}
	if result := proc.Process(context.Background(), job); !result.Success {
		t.Fatalf("unexpected failure %+v", result)
	}
	args := strings.Join(runner.calls[0], " ")
	if !strings.Contains(args, "-vn -ac 1 -codec:a pcm_s16le") {
		t.Fatalf("unexpected audio args: %s", args)
	}

	job.Params = models.AudioParams{Mono: false, Format: "mp3"}
	job.OutputPath = filepath.Join(t.TempDir(), "a.mp3")
	if result := proc.Process(context.Background(), job); !result.Success {
		t.Fatalf("unexpected failure %+v", result)
	}
	args = strings.Join(runner.calls[1], " ")
	if strings.Contains(args, "-ac 1") || !strings.Contains(args, "libmp3lame") {
		t.Fatalf("unexpected stereo mp3 args: %s", args)
	}
}

func TestProcessor_FramesLocalDirectory(t *testing.T) {
	proc, tempDir := localProcessor(t, &fakeRunner{})
	output := filepath.Join(t.TempDir(), "frames")

	job := &models.ConversionJob{ID: "j9", InputPath: writeInput(t, "in.mp4", "x"), OutputPath: output, Params: models.FrameParams{FPS: 1, Compress: models.CompressNone}}
	result := proc.Process(context.Background(), job)

	if !result.Success {
		t.Fatalf("unexpected failure %+v", result)
	}
	entries, err := os.ReadDir(output)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected 2 frames in %s: %v", output, err)
	}
	assertEmptyDir(t, tempDir)
}

func TestProcessor_FramesGzip(t *testing.T) {
	proc, _ := localProcessor(t, &fakeRunner{})
	output := filepath.Join(t.TempDir(), "frames.tar.gz")

	job := &models.ConversionJob{ID: "j10", InputPath: writeInput(t, "in.mp4", "x"), OutputPath: output, Params: models.FrameParams{FPS: 0.5, Compress: models.CompressGzip}}
	result := proc.Process(context.Background(), job)

	if !result.Success {
		t.Fatalf("unexpected failure %+v", result)
	}
	if info, err := os.Stat(output); err != nil || info.IsDir() {
		t.Fatalf("expected archive file at %s: %v", output, err)
	}
}

func TestProcessor_FramesRemoteAreZipped(t *testing.T) {
	store := newMemoryStore()
	proc, _ := remoteProcessor(t, &fakeRunner{}, store)

	job := &models.ConversionJob{ID: "j11", InputPath: writeInput(t, "in.mp4", "x"), OutputName: "frames", Params: models.FrameParams{FPS: 1, Compress: models.CompressNone}}
	result := proc.Process(context.Background(), job)

	if !result.Success || !strings.HasSuffix(result.OutputURL, "/frames.zip") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestProcessor_UnknownParams(t *testing.T) {
	proc, _ := localProcessor(t, &fakeRunner{})
	job := &models.ConversionJob{ID: "j12", InputPath: writeInput(t, "in", "x"), OutputPath: filepath.Join(t.TempDir(), "o")}
	if result := proc.Process(context.Background(), job); result.Success {
		t.Fatal("job without parameters must fail")
	}
}

func requireFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not found in PATH")
	}
	return path
}

func TestProcessor_FFmpegImageToJPEG(t *testing.T) {
	ffmpeg := requireFFmpeg(t)
	input := filepath.Join(t.TempDir(), "test-image.png")
	gen := exec.Command(ffmpeg, "-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1", "-frames:v", "1", "-y", input)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Fatalf("failed to create fixture: %v: %s", err, out)
	}

	proc, _ := localProcessor(t, services.NewFFmpegRunner(ffmpeg))
	output := filepath.Join(t.TempDir(), "output.jpg")
	result := proc.Process(context.Background(), &models.ConversionJob{ID: "ff1", InputPath: input, OutputPath: output, Params: models.ImageParams{Quality: 2}})

	if !result.Success || result.OutputPath != output {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := os.Stat(output); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}

func TestProcessor_FFmpegRejectsGarbage(t *testing.T) {
	ffmpeg := requireFFmpeg(t)
	proc, _ := localProcessor(t, services.NewFFmpegRunner(ffmpeg))
	input := writeInput(t, "invalid.png", "This is not a valid image file")

	result := proc.Process(context.Background(), &models.ConversionJob{ID: "ff2", InputPath: input, OutputPath: filepath.Join(t.TempDir(), "o.jpg"), Params: models.ImageParams{Quality: 2}})
	if result.Success || result.Error == "" {
		t.Fatalf("expected failure with message, got %+v", result)
	}
}
