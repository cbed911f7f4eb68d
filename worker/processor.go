package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mediaconv/config"
	"mediaconv/models"
	"mediaconv/services"
)

// artifact describes what one encoder run produces.
type artifact struct {
	ext         string
	contentType string
	// dir is set for frame extraction, where ffmpeg writes a sequence.
	dir bool
}

// Processor runs one job end to end: encoder, then storage.
type Processor struct {
	storage config.StorageConfig
	runner  services.Runner
	local   services.Backend
	remote  services.Backend
	tempDir string
	timeout time.Duration
}

func NewProcessor(storage config.StorageConfig, runner services.Runner, local, remote services.Backend, tempDir string, timeout time.Duration) *Processor {
	return &Processor{
		storage: storage,
		runner:  runner,
		local:   local,
		remote:  remote,
		tempDir: tempDir,
		timeout: timeout,
	}
}

// Process never returns an error: every outcome is a JobResult.
func (p *Processor) Process(ctx context.Context, job *models.ConversionJob) (result models.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Processor] Job %s panicked: %v", job.ID, r)
			result = models.Failure(fmt.Errorf("internal error while processing job %s", job.ID))
		}
	}()

	location, err := p.process(ctx, job)
	if err != nil {
		return models.Failure(err)
	}
	if p.storage.Remote() {
		return models.RemoteSuccess(location.URL)
	}
	return models.LocalSuccess(location.Path)
}

func (p *Processor) process(ctx context.Context, job *models.ConversionJob) (services.Location, error) {
	if _, err := os.Stat(job.InputPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return services.Location{}, fmt.Errorf("%w: %s", services.ErrInputNotFound, job.InputPath)
		}
		return services.Location{}, fmt.Errorf("%w: cannot read input %s: %v", services.ErrIO, job.InputPath, err)
	}
	if !p.storage.Remote() && job.OutputPath == "" {
		return services.Location{}, fmt.Errorf("%w: job %s has no output path", services.ErrIO, job.ID)
	}

	workDir, err := os.MkdirTemp(p.tempDir, "job-")
	if err != nil {
		return services.Location{}, fmt.Errorf("%w: failed to create work dir: %v", services.ErrIO, err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Printf("[Processor] Failed to clean up %s: %v", workDir, err)
		}
	}()

	output, art, err := p.convert(ctx, job, workDir)
	if err != nil {
		return services.Location{}, err
	}

	if p.storage.Remote() {
		return p.remote.Persist(ctx, output, art.contentType, p.desiredName(job, art))
	}
	return p.local.Persist(ctx, output, art.contentType, job.OutputPath)
}

// convert runs the encoder and returns the path of the finished artifact
// inside workDir.
func (p *Processor) convert(ctx context.Context, job *models.ConversionJob, workDir string) (string, artifact, error) {
	var (
		args []string
		art  artifact
	)
	output := filepath.Join(workDir, "output")
	base := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y", "-i", job.InputPath}

	switch params := job.Params.(type) {
	case models.ImageParams:
		art = artifact{ext: ".jpg", contentType: "image/jpeg"}
		output += art.ext
		args = append(base, "-frames:v", "1", "-q:v", strconv.Itoa(params.Quality), output)
	case models.AudioParams:
		args = append(base, "-vn")
		if params.Mono {
			args = append(args, "-ac", "1")
		}
		if params.Format == "mp3" {
			art = artifact{ext: ".mp3", contentType: "audio/mpeg"}
			args = append(args, "-codec:a", "libmp3lame", "-q:a", "2")
		} else {
			art = artifact{ext: ".wav", contentType: "audio/wav"}
			args = append(args, "-codec:a", "pcm_s16le")
		}
		output += art.ext
		args = append(args, output)
	case models.VideoParams:
		art = artifact{ext: ".mp4", contentType: "video/mp4"}
		output += art.ext
		args = append(base, "-c:v", "libx264", "-preset", "fast", "-pix_fmt", "yuv420p",
			"-c:a", "aac", "-movflags", "+faststart", output)
	case models.FrameParams:
		art = artifact{dir: true, contentType: "image/png"}
		if err := os.Mkdir(output, 0755); err != nil {
			return "", art, fmt.Errorf("%w: %v", services.ErrIO, err)
		}
		args = append(base, "-vf", "fps="+strconv.FormatFloat(params.FPS, 'f', -1, 64),
			filepath.Join(output, "frame_%04d.png"))
	default:
		return "", art, fmt.Errorf("%w: unsupported job kind %q", services.ErrConversionFailed, job.Kind())
	}

	if err := p.runEncoder(ctx, job, args); err != nil {
		return "", art, err
	}
	if err := checkOutput(output, art); err != nil {
		return "", art, err
	}

	if params, ok := job.Params.(models.FrameParams); ok {
		return p.packFrames(output, params, art)
	}
	return output, art, nil
}

func (p *Processor) runEncoder(ctx context.Context, job *models.ConversionJob, args []string) error {
	timeout := p.timeout
	if job.Timeout > 0 {
		timeout = time.Duration(job.Timeout) * time.Second
	}

	result, err := p.runner.Run(ctx, services.CommandSpec{Args: args, Timeout: timeout})
	if err != nil {
		if detail := services.Diagnostics(result.Stderr); detail != "" {
			return fmt.Errorf("%w: %v: %s", services.ErrConversionFailed, err, detail)
		}
		return fmt.Errorf("%w: %v", services.ErrConversionFailed, err)
	}
	if result.ExitCode != 0 {
		detail := services.Diagnostics(result.Stderr)
		if detail == "" {
			detail = "encoder produced no diagnostics"
		}
		return fmt.Errorf("%w: encoder exited with status %d: %s", services.ErrConversionFailed, result.ExitCode, detail)
	}
	return nil
}

// checkOutput rejects runs that exited cleanly but left nothing usable.
func checkOutput(output string, art artifact) error {
	if art.dir {
		entries, err := os.ReadDir(output)
		if err != nil || len(entries) == 0 {
			return fmt.Errorf("%w: encoder produced no frames", services.ErrConversionFailed)
		}
		return nil
	}
	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: encoder produced no output", services.ErrConversionFailed)
	}
	return nil
}

// packFrames archives an extracted frame sequence. Remote storage always
// gets an archive since a result holds a single location.
func (p *Processor) packFrames(dir string, params models.FrameParams, art artifact) (string, artifact, error) {
	compress := params.Compress
	if compress == models.CompressNone && p.storage.Remote() {
		compress = models.CompressZip
	}

	switch compress {
	case models.CompressZip:
		dest := dir + ".zip"
		if err := services.ArchiveZip(dir, dest); err != nil {
			return "", art, err
		}
		return dest, artifact{ext: ".zip", contentType: "application/zip"}, nil
	case models.CompressGzip:
		dest := dir + ".tar.gz"
		if err := services.ArchiveTarGzip(dir, dest); err != nil {
			return "", art, err
		}
		return dest, artifact{ext: ".tar.gz", contentType: "application/gzip"}, nil
	default:
		return dir, art, nil
	}
}

// desiredName is the filename the artifact is stored under remotely.
func (p *Processor) desiredName(job *models.ConversionJob, art artifact) string {
	name := job.OutputName
	if name == "" && job.OutputPath != "" {
		name = filepath.Base(job.OutputPath)
	}
	if name == "" {
		name = job.ID
	}
	if name == "" {
		name = "output"
	}
	if art.ext != "" && !strings.HasSuffix(name, art.ext) {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + art.ext
	}
	return name
}
