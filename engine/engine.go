// Package engine composes the scheduler, the restic wrapper, and the
// storage-tiering engine into one backup pass. The scheduler and the
// tiering engine never call each other; this is the only place they meet.
package engine

import (
	"log"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/ndlib/remora/config"
	"github.com/ndlib/remora/digest"
	"github.com/ndlib/remora/restic"
	"github.com/ndlib/remora/state"
	"github.com/ndlib/remora/tier"
)

// A Spec carries everything needed to invoke one pass.
type Spec struct {
	ConfigPath string
	StateDir   string
	Dry        bool
	// Repo, when set, forces the scheduler to consider only this
	// repository.
	Repo string
}

// Tiering is the slice of the tiering engine the orchestration needs.
// Satisfied by *tier.Handler.
type Tiering interface {
	BucketExists() (bool, error)
	RestoreAllObjectsBlocking() error
	ArchiveAllObjects() ([]tier.Object, error)
}

// Run executes one full backup pass: pick a repository, and if one needs
// work, thaw its objects (for S3-backed repositories), run restic, and
// freeze the objects again.
func Run(spec Spec) error {
	return run(spec, restic.ExecRunner{}, func(r *config.S3Repo) Tiering {
		return tier.New(r)
	})
}

// run is Run with its collaborators injectable for tests.
func run(spec Spec, runner restic.Runner, newTier func(*config.S3Repo) Tiering) error {
	cfg, err := config.Load(spec.ConfigPath)
	if err != nil {
		return err
	}
	statefile := filepath.Join(spec.StateDir, cfg.StatefileName)

	status, err := state.Check(statefile, cfg, spec.Dry, spec.Repo, digest.Paths)
	if err != nil {
		return err
	}
	id, ok := status.Next()
	if !ok {
		log.Println("engine: no repository needs an update")
		return nil
	}
	repo := cfg.Repositories[id]

	if spec.Dry {
		log.Printf("engine: dry run: would back up repository %s", id)
		return nil
	}

	if !restic.Present(runner) {
		return errors.New("engine: restic is not installed (or not on PATH)")
	}

	paths, err := repo.ExpandPaths()
	if err != nil {
		return err
	}

	if repo.S3 == nil {
		log.Printf("engine: backing up repository %s (local)", id)
		return restic.Backup(runner, repo, paths)
	}

	log.Printf("engine: backing up repository %s (S3)", id)
	h := newTier(repo.S3)
	ok, err = h.BucketExists()
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("engine: bucket %s for repository %s does not exist",
			repo.S3.Bucket, id)
	}

	// thaw everything restic will want to read
	if err := h.RestoreAllObjectsBlocking(); err != nil {
		return err
	}
	if err := restic.Backup(runner, repo, paths); err != nil {
		return err
	}
	// and freeze the repository again, including whatever restic just wrote
	if _, err := h.ArchiveAllObjects(); err != nil {
		return err
	}
	log.Printf("engine: repository %s updated and archived", id)
	return nil
}
