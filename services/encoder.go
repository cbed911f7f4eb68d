package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

const maxDiagnosticLen = 2000

// CommandSpec is one encoder invocation.
type CommandSpec struct {
	Args    []string
	Timeout time.Duration
}

// RunResult carries what the encoder reported. A non-zero ExitCode is not
// an error from Run; callers decide what it means.
type RunResult struct {
	ExitCode int
	Stderr   string
}

type Runner interface {
	Run(ctx context.Context, spec CommandSpec) (RunResult, error)
}

// FFmpegRunner shells out to ffmpeg.
type FFmpegRunner struct {
	Binary string
}

func NewFFmpegRunner(binary string) *FFmpegRunner {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegRunner{Binary: binary}
}

// Run executes the encoder and kills it when spec.Timeout elapses or ctx
// is cancelled.
func (r *FFmpegRunner) Run(ctx context.Context, spec CommandSpec) (RunResult, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Binary, spec.Args...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	result := RunResult{Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, fmt.Errorf("encoder timed out after %s", spec.Timeout)
		}
		return result, fmt.Errorf("encoder cancelled: %w", ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to start encoder: %w", err)
	}
	return result, nil
}

// Diagnostics trims encoder output down to something fit for a job error.
func Diagnostics(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > maxDiagnosticLen {
		cut := len(stderr) - maxDiagnosticLen
		for cut < len(stderr) && !utf8.RuneStart(stderr[cut]) {
			cut++
		}
		stderr = "..." + stderr[cut:]
	}
	return stderr
}
