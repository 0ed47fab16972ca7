package state

import (
	"log"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/remora/config"
	"github.com/ndlib/remora/digest"
)

// A Status is the outcome of a scheduling pass: either nothing needs an
// update, or exactly one repository has been chosen.
type Status struct {
	repo string
}

// NothingToDo is the Status for a pass that found no repository in need of
// an update.
func NothingToDo() Status { return Status{} }

// NextRepo is the Status naming the repository chosen by a pass.
func NextRepo(id string) Status { return Status{repo: id} }

// Next returns the chosen repository id, if any.
func (s Status) Next() (string, bool) { return s.repo, s.repo != "" }

// Check runs one scheduling pass. It loads (or, when allowed, synthesizes)
// the statefile at path, walks the configured repositories oldest-first, and
// picks the first one whose current content digest differs from the recorded
// one. The mutated state is written back unless dry is set.
//
// When only is non-empty the pass considers just that repository;
// if it is not in the configuration the pass reports nothing to do.
//
// Check performs no internal locking. Concurrent passes over the same
// statefile must be serialized by the caller.
func Check(path string, cfg *config.Config, dry bool, only string, fn digest.Func) (Status, error) {
	s, err := Load(path, cfg.Repositories)
	if err == ErrNoStatefile {
		if dry {
			log.Println("state: dry run: no statefile exists and one will not be created, cannot continue")
			return NothingToDo(), err
		}
		s, err = Create(path, cfg.Repositories)
	}
	if err != nil {
		return NothingToDo(), err
	}

	status, err := nextUp(s, cfg, only, fn)
	if err != nil {
		return NothingToDo(), err
	}

	if dry {
		log.Println("state: dry run: statefile not updated on disk")
	} else if err := Write(path, s); err != nil {
		return NothingToDo(), err
	}
	return status, nil
}

// nextUp resolves the scheduling order and scans for the first repository in
// need of an update. Ids are ordered ascending by their recorded time, so
// the repository that has waited longest is considered first; a repository
// whose digest still matches keeps its time, and therefore its place in the
// queue, untouched.
func nextUp(s *State, cfg *config.Config, only string, fn digest.Func) (Status, error) {
	if only != "" {
		if _, ok := cfg.Repositories[only]; !ok {
			log.Printf("state: repository %s is not defined in configuration", only)
			return NothingToDo(), nil
		}
		log.Printf("state: short-circuiting on repository %s", only)
		need, err := needsUpdate(only, s, cfg, fn)
		if err != nil {
			return NothingToDo(), err
		}
		if need {
			return NextRepo(only), nil
		}
		return NothingToDo(), nil
	}

	ids := make([]string, 0, len(cfg.Repositories))
	for id := range cfg.Repositories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.States[ids[i]], s.States[ids[j]]
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		need, err := needsUpdate(id, s, cfg, fn)
		if err != nil {
			return NothingToDo(), err
		}
		if need {
			return NextRepo(id), nil
		}
	}
	return NothingToDo(), nil
}

// needsUpdate expands the repository's configured path patterns, digests the
// result, and compares against the recorded digest. On a mismatch (which
// includes the first ever check, since the sentinel digest matches nothing)
// the record is advanced to the new digest and the current time.
func needsUpdate(id string, s *State, cfg *config.Config, fn digest.Func) (bool, error) {
	rec := s.States[id]
	paths, err := cfg.Repositories[id].ExpandPaths()
	if err != nil {
		return false, errors.Wrapf(err, "state: repository %s", id)
	}

	current, err := fn(paths)
	if err != nil {
		return false, errors.Wrapf(err, "state: digesting repository %s", id)
	}

	if current.Equal(rec.Digest) {
		log.Printf("state: digest match, repository %s does not need an update", id)
		return false, nil
	}
	log.Printf("state: digest mismatch, repository %s needs an update", id)
	rec.Digest = current
	rec.Time = uint64(time.Now().Unix())
	return true, nil
}
