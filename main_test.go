package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mediaconv/models"
)

func TestBuildParams(t *testing.T) {
	params, err := buildParams("IMAGE", 0, "", "", 0, "")
	if err != nil {
		t.Fatalf("buildParams failed: %v", err)
	}
	if img, ok := params.(models.ImageParams); !ok || img.Quality != 2 {
		t.Fatalf("expected default image params, got %#v", params)
	}

	params, err = buildParams("audio", 0, "no", "mp3", 0, "")
	if err != nil {
		t.Fatalf("buildParams failed: %v", err)
	}
	if audio := params.(models.AudioParams); audio.Mono || audio.Format != "mp3" {
		t.Fatalf("unexpected audio params %#v", audio)
	}

	params, err = buildParams("frames", 0, "", "", 0.5, "zip")
	if err != nil {
		t.Fatalf("buildParams failed: %v", err)
	}
	if frames := params.(models.FrameParams); frames.FPS != 0.5 || frames.Compress != models.CompressZip {
		t.Fatalf("unexpected frame params %#v", frames)
	}

	if _, err := buildParams("pdf", 0, "", "", 0, ""); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
	if _, err := buildParams("image", 40, "", "", 0, ""); err == nil {
		t.Fatal("expected out of range quality to fail")
	}
}

func TestHashCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := strings.TrimSpace(out.String()); got != want {
		t.Fatalf("digest = %s, want %s", got, want)
	}
}

func TestEnqueueRequiresKind(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"enqueue", "/tmp/in.png"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected missing --kind to fail")
	}
}
