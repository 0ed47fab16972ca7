// Package state persists the per-repository schedule records and decides
// which repository, if any, should be backed up next.
//
// The statefile is a small versioned TOML document holding one record per
// repository: the time of the last successful digest comparison and the
// digest itself. Records are created lazily for newly configured
// repositories; records for repositories that have since left the
// configuration are kept (never silently deleted) so no history is lost
// across configuration drift.
package state

import (
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/ndlib/remora/config"
	"github.com/ndlib/remora/digest"
)

// CurrentVersion is the statefile schema version this build reads and
// writes.
const CurrentVersion = 1

// ErrNoStatefile signals that the statefile does not exist yet. A normal run
// recovers by synthesizing one; a dry run cannot, since it is not allowed to
// persist anything.
var ErrNoStatefile = errors.New("statefile does not exist")

// A RepoState records the last scheduling result for one repository. A Time
// of 0 together with the sentinel digest means the repository has never been
// checked.
type RepoState struct {
	Time   uint64
	Digest digest.HexDigest
}

// State is the full in-memory statefile.
type State struct {
	Version int
	States  map[string]*RepoState
}

// Orphans returns, sorted, the ids of records that are present in the state
// but absent from the given configuration.
func (s *State) Orphans(repos map[string]*config.Repo) []string {
	var ids []string
	for id := range s.States {
		if _, ok := repos[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// on-disk shape. Digests are stored as hex strings and validated when the
// file is read.

type fileState struct {
	Version int                      `toml:"version"`
	States  map[string]fileRepoState `toml:"states"`
}

type fileRepoState struct {
	Time   uint64 `toml:"time"`
	Digest string `toml:"digest"`
}

// Load reads the statefile at path and reconciles it against the configured
// repositories: missing entries are added with defaults, entries with no
// matching configuration are kept but reported. A missing file returns
// ErrNoStatefile; any other read or decode failure is fatal.
func Load(path string, repos map[string]*config.Repo) (*State, error) {
	var fs fileState
	if _, err := toml.DecodeFile(path, &fs); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			log.Printf("state: statefile %s not found", path)
			return nil, ErrNoStatefile
		}
		return nil, errors.Wrapf(err, "state: reading %s", path)
	}
	if fs.Version != CurrentVersion {
		return nil, errors.Errorf("state: statefile %s has unsupported version %d", path, fs.Version)
	}

	s := &State{Version: fs.Version, States: make(map[string]*RepoState)}
	for id, rec := range fs.States {
		d, err := digest.Parse(rec.Digest)
		if err != nil {
			return nil, errors.Wrapf(err, "state: statefile %s, record %s", path, id)
		}
		s.States[id] = &RepoState{Time: rec.Time, Digest: d}
	}
	log.Printf("state: read statefile with %d repositories", len(s.States))

	for id := range repos {
		if _, ok := s.States[id]; !ok {
			log.Printf("state: repository %s was not present in statefile, adding it", id)
			s.States[id] = &RepoState{}
		}
	}
	for _, id := range s.Orphans(repos) {
		log.Printf("state: repository %s has a state, but is not in configuration", id)
	}
	return s, nil
}

// Create synthesizes a fresh statefile with one default record per
// configured repository and persists it.
func Create(path string, repos map[string]*config.Repo) (*State, error) {
	s := &State{Version: CurrentVersion, States: make(map[string]*RepoState)}
	for id := range repos {
		s.States[id] = &RepoState{}
	}
	if err := Write(path, s); err != nil {
		return nil, err
	}
	log.Printf("state: initialized statefile with %d repositories", len(s.States))
	return s, nil
}

// Write serializes the state and replaces the statefile atomically, so a
// crash mid-write never leaves a truncated record behind.
func Write(path string, s *State) error {
	fs := fileState{Version: s.Version, States: make(map[string]fileRepoState)}
	for id, rec := range s.States {
		fs.States[id] = fileRepoState{Time: rec.Time, Digest: rec.Digest.String()}
	}

	tmp, err := ioutil.TempFile(filepath.Dir(path), ".remora-state-")
	if err != nil {
		return errors.Wrap(err, "state: writing statefile")
	}
	enc := toml.NewEncoder(tmp)
	err = enc.Encode(fs)
	if err2 := tmp.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "state: writing statefile")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "state: writing statefile")
	}
	return nil
}
