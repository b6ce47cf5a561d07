// Package sandbox executes untrusted plotting scripts in isolated, time-
// bounded child processes and harvests the image artifacts they produce.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Failure reasons. Timeouts are reported distinctly from script-internal
// failures.
const (
	ReasonTimeout    = "timeout"
	ReasonExit       = "nonzero_exit"
	ReasonNoArtifact = "no_artifact"
	ReasonInternal   = "internal"
)

// artifactExts are the extensions harvested from the sandbox, in the order
// the original pipeline recognized them.
var artifactExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".svg":  true,
	".pdf":  true,
}

// Result is the outcome of one script execution. Field names follow the
// script-execution JSON contract consumed by the presentation layer.
type Result struct {
	Success      bool           `json:"success"`
	PlotURL      string         `json:"plot_url,omitempty"`
	PlotFilename string         `json:"plot_filename,omitempty"`
	Stdout       string         `json:"stdout,omitempty"`
	Stderr       string         `json:"stderr,omitempty"`
	Error        string         `json:"error,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	ExitCode     int            `json:"exit_code,omitempty"`
	Debug        map[string]any `json:"debug_info,omitempty"`
}

// Runner executes wrapped scripts as child processes. Each invocation gets a
// fresh uniquely-named working directory under TempRoot; artifacts are copied
// into ArtifactDir and exposed under ArtifactBaseURL.
type Runner struct {
	PythonBin       string        // defaults to "python3"
	Timeout         time.Duration // hard wall-clock limit, defaults to 60s
	TempRoot        string        // defaults to os.TempDir()
	ArtifactDir     string
	ArtifactBaseURL string // e.g. "/static/plots"
	Logger          *slog.Logger
}

func (r *Runner) python() string {
	if r.PythonBin != "" {
		return r.PythonBin
	}
	return "python3"
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 60 * time.Second
}

func (r *Runner) tempRoot() string {
	if r.TempRoot != "" {
		return r.TempRoot
	}
	return os.TempDir()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run executes body inside a fresh sandbox directory and returns a Result.
// It never returns an error: every failure mode is folded into the Result so
// the caller can render it inline.
func (r *Runner) Run(ctx context.Context, body, conversationID string) Result {
	dir := filepath.Join(r.tempRoot(), fmt.Sprintf("luluchat_plots_%s_%s", conversationID, shortID()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return internalFailure(fmt.Errorf("creating sandbox directory: %w", err))
	}
	// Left behind on purpose; the sweeper reclaims stale sandboxes.

	wrapped := wrap(body)
	scriptPath := filepath.Join(dir, "script.py")
	if err := os.WriteFile(scriptPath, []byte(wrapped), 0o644); err != nil {
		return internalFailure(fmt.Errorf("writing sandbox script: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.python(), scriptPath)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		r.logger().Warn("sandbox script timed out",
			"conversation_id", conversationID, "timeout", r.timeout(), "elapsed", elapsed)
		return Result{
			Success: false,
			Reason:  ReasonTimeout,
			Error:   fmt.Sprintf("Script execution timed out (%d seconds)", int(r.timeout().Seconds())),
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	}

	if runErr != nil {
		exitCode := -1
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			exitCode = ee.ExitCode()
		}
		return Result{
			Success:  false,
			Reason:   ReasonExit,
			Error:    fmt.Sprintf("Script execution failed (exit code %d)", exitCode),
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Debug: map[string]any{
				"sandbox_dir": dir,
				"script":      preview(wrapped),
			},
		}
	}

	artifact, listing, err := firstArtifact(dir)
	if err != nil {
		return internalFailure(fmt.Errorf("scanning sandbox directory: %w", err))
	}
	if artifact == "" {
		return Result{
			Success: false,
			Reason:  ReasonNoArtifact,
			Error:   fmt.Sprintf("No plot file generated. Files in sandbox: %v", listing),
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
			Debug: map[string]any{
				"sandbox_dir":  dir,
				"files_in_dir": listing,
			},
		}
	}

	filename, url, err := r.publish(artifact, conversationID)
	if err != nil {
		return internalFailure(fmt.Errorf("publishing artifact: %w", err))
	}

	return Result{
		Success:      true,
		PlotURL:      url,
		PlotFilename: filename,
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
	}
}

// firstArtifact returns the first image file in dir by sorted listing order,
// plus the full listing for diagnostics.
func firstArtifact(dir string) (string, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var listing []string
	var artifact string
	for _, e := range entries {
		listing = append(listing, e.Name())
		if e.IsDir() || artifact != "" {
			continue
		}
		if artifactExts[strings.ToLower(filepath.Ext(e.Name()))] {
			artifact = filepath.Join(dir, e.Name())
		}
	}
	return artifact, listing, nil
}

// publish copies an artifact from the sandbox into the durable artifact
// directory under a globally unique name and returns (filename, public URL).
func (r *Runner) publish(src, conversationID string) (string, string, error) {
	if err := os.MkdirAll(r.ArtifactDir, 0o755); err != nil {
		return "", "", err
	}

	filename := fmt.Sprintf("plot_%s_%s%s", conversationID, shortID(), filepath.Ext(src))
	dst := filepath.Join(r.ArtifactDir, filename)

	in, err := os.Open(src)
	if err != nil {
		return "", "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", "", err
	}
	if err := out.Close(); err != nil {
		return "", "", err
	}

	url := strings.TrimRight(r.ArtifactBaseURL, "/") + "/" + filename
	return filename, url, nil
}

func internalFailure(err error) Result {
	return Result{
		Success: false,
		Reason:  ReasonInternal,
		Error:   err.Error(),
	}
}

func shortID() string {
	return uuid.New().String()[:8]
}

func preview(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
