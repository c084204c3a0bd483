// Package sandbox executes generated scripts in a throwaway working directory
// under a hard wall-clock limit.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Defaults for python analysis scripts.
const (
	DefaultInterpreter   = "python3"
	DefaultScriptName    = "_analysis.py"
	DefaultWorkDirPrefix = "clinical_"
	DefaultArtifactExt   = ".png"
	DefaultTimeout       = 120 * time.Second

	stderrMarker = "\n\nSTDERR:\n"
)

var (
	// ErrExecutionTimeout means the script exceeded its wall-clock budget and was killed.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrExecutionSetup means the working directory or script file could not be
	// prepared, or the interpreter could not be started.
	ErrExecutionSetup = errors.New("execution setup failed")
)

// Config controls a Runner.
type Config struct {
	// Interpreter is the program that runs the script. Default python3.
	Interpreter string
	// InterpreterArgs are placed before the script path.
	InterpreterArgs []string
	ScriptName      string
	// BaseDir is where working directories are created. Empty means os.TempDir().
	BaseDir       string
	WorkDirPrefix string
	// ArtifactExt is the file extension harvested after the run, e.g. ".png".
	ArtifactExt string
	// Timeout is used when Run is called with a zero timeout.
	Timeout time.Duration
	// Env is appended to the parent environment.
	Env []string
}

// Result is the outcome of one script execution. A non-zero ExitCode is not
// an error; Stdout then carries the stderr text after a STDERR marker.
type Result struct {
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitCode   int           `json:"exit_code"`
	Artifacts  []string      `json:"artifacts"`
	WallClock  time.Duration `json:"wall_clock"`
	WorkDir    string        `json:"work_dir"`
	ScriptPath string        `json:"script_path"`
}

// Runner executes scripts. It keeps no per-run state and is safe for
// concurrent use; every Run owns its working directory exclusively.
type Runner struct {
	cfg Config
}

// NewRunner applies defaults to cfg.
func NewRunner(cfg Config) *Runner {
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.ScriptName == "" {
		cfg.ScriptName = DefaultScriptName
	}
	if cfg.WorkDirPrefix == "" {
		cfg.WorkDirPrefix = DefaultWorkDirPrefix
	}
	if cfg.ArtifactExt == "" {
		cfg.ArtifactExt = DefaultArtifactExt
	}
	if !strings.HasPrefix(cfg.ArtifactExt, ".") {
		cfg.ArtifactExt = "." + cfg.ArtifactExt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Runner{cfg: cfg}
}

// Run writes script into a fresh working directory and executes it there.
//
// Exceeding timeout kills the whole process group and returns
// ErrExecutionTimeout with no partial output. Cancellation of ctx by the
// caller kills the process the same way but returns ctx.Err() instead.
// The working directory is left in place; see Cleanup.
func (r *Runner) Run(ctx context.Context, script string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	workDir, err := os.MkdirTemp(r.cfg.BaseDir, r.cfg.WorkDirPrefix)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create working directory: %v", ErrExecutionSetup, err)
	}
	scriptPath := filepath.Join(workDir, r.cfg.ScriptName)
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return Result{WorkDir: workDir}, fmt.Errorf("%w: write script: %v", ErrExecutionSetup, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, r.cfg.InterpreterArgs...), scriptPath)
	cmd := exec.CommandContext(runCtx, r.cfg.Interpreter, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	configureProcessGroup(cmd)

	log.Printf("🐍 [SANDBOX] Executing %s %s in %s (timeout %v)", r.cfg.Interpreter, r.cfg.ScriptName, workDir, timeout)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{WorkDir: workDir, ScriptPath: scriptPath}, fmt.Errorf("%w: start %s: %v", ErrExecutionSetup, r.cfg.Interpreter, err)
	}
	waitErr := cmd.Wait()
	wallClock := time.Since(start)

	// Anything the script left running in its group goes too
	killProcessGroup(cmd)

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if parentErr := ctx.Err(); parentErr != nil {
			log.Printf("⚠️ [SANDBOX] Execution canceled after %v", wallClock)
			return Result{WorkDir: workDir, ScriptPath: scriptPath, WallClock: wallClock}, parentErr
		}
		log.Printf("❌ [SANDBOX] Execution timed out after %v", timeout)
		return Result{WorkDir: workDir, ScriptPath: scriptPath, WallClock: wallClock}, fmt.Errorf("%w after %v", ErrExecutionTimeout, timeout)
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay):
			// The script exited but a background child still held its output
			// pipes; what was captured up to then is kept.
			exitCode = cmd.ProcessState.ExitCode()
			log.Printf("⚠️ [SANDBOX] Script left a background process holding its output; it was killed")
		default:
			return Result{WorkDir: workDir, ScriptPath: scriptPath, WallClock: wallClock}, fmt.Errorf("%w: wait: %v", ErrExecutionSetup, waitErr)
		}
	}

	result := Result{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		ExitCode:   exitCode,
		WallClock:  wallClock,
		WorkDir:    workDir,
		ScriptPath: scriptPath,
	}
	if exitCode != 0 {
		result.Stdout += stderrMarker + result.Stderr
		log.Printf("⚠️ [SANDBOX] Script exited with code %d", exitCode)
	}

	result.Artifacts = r.collectArtifacts(workDir)
	log.Printf("✅ [SANDBOX] Finished in %v with %d artifact(s)", wallClock, len(result.Artifacts))
	return result, nil
}

// collectArtifacts lists files in dir (non-recursive) with the artifact
// extension, in lexicographic path order. Never nil.
func (r *Runner) collectArtifacts(dir string) []string {
	artifacts := []string{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("❌ [SANDBOX] Failed to read working directory: %v", err)
		return artifacts
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), r.cfg.ArtifactExt) {
			artifacts = append(artifacts, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(artifacts)
	return artifacts
}

// Cleanup removes the working directory of a finished run. Callers invoke it
// once they are done reading the artifacts.
func Cleanup(res Result) error {
	if res.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(res.WorkDir)
}
