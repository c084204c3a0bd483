package storage

import (
	"context"
	"errors"
	"fmt"
	"log"

	"workbench/internal/sandbox"
	"workbench/internal/workflow"
)

// Recorder persists a finished run: artifacts first, then the outcome with
// their IDs, then the sandbox working directory is removed.
type Recorder struct {
	Runs      *RunStore
	Artifacts *ArtifactStore
	// KeepWorkDirs leaves working directories on disk after recording.
	KeepWorkDirs bool
}

func (r *Recorder) Record(ctx context.Context, out *workflow.Outcome) error {
	if out == nil {
		return nil
	}
	var errs []error
	if r.Artifacts != nil {
		// A failed artifact still leaves the run and the others in place
		if _, err := r.Artifacts.StoreRunArtifacts(ctx, out); err != nil {
			errs = append(errs, fmt.Errorf("store artifacts for run %s: %w", out.ID, err))
		}
	}
	if r.Runs != nil {
		if err := r.Runs.Save(ctx, out); err != nil {
			errs = append(errs, err)
		}
	}
	if !r.KeepWorkDirs && out.Execution != nil {
		if err := sandbox.Cleanup(*out.Execution); err != nil {
			log.Printf("⚠️ [STORAGE] Failed to remove %s: %v", out.Execution.WorkDir, err)
		}
	}
	return errors.Join(errs...)
}
