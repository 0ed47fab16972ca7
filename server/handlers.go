package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/remora/digest"
	"github.com/ndlib/remora/state"
)

// StateEntry is the JSON shape of one statefile record. Orphan marks records
// whose repository has since left the configuration.
type StateEntry struct {
	ID     string `json:"id"`
	Time   uint64 `json:"time"`
	Digest string `json:"digest"`
	Orphan bool   `json:"orphan,omitempty"`
}

// RepoEntry is the JSON shape of one configured repository. Credentials and
// passwords are deliberately absent.
type RepoEntry struct {
	ID      string   `json:"id"`
	Backend string   `json:"backend"`
	Target  string   `json:"target"`
	Paths   []string `json:"paths"`
}

// StateHandler returns every statefile record, sorted by id.
func (s *StatusServer) StateHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	st, ok := s.loadState(w)
	if !ok {
		return
	}
	orphans := make(map[string]bool)
	for _, id := range st.Orphans(s.Config.Repositories) {
		orphans[id] = true
	}
	var result []StateEntry
	for id, rec := range st.States {
		result = append(result, StateEntry{
			ID:     id,
			Time:   rec.Time,
			Digest: rec.Digest.String(),
			Orphan: orphans[id],
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	writeJSON(w, result)
}

// StateIDHandler returns the record for a single repository.
func (s *StatusServer) StateIDHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	st, ok := s.loadState(w)
	if !ok {
		return
	}
	id := ps.ByName("id")
	rec, ok := st.States[id]
	if !ok {
		w.WriteHeader(404)
		fmt.Fprintf(w, "No record for %s\n", id)
		return
	}
	_, configured := s.Config.Repositories[id]
	writeJSON(w, StateEntry{
		ID:     id,
		Time:   rec.Time,
		Digest: rec.Digest.String(),
		Orphan: !configured,
	})
}

// RepositoriesHandler lists the configured repositories, sorted by id.
func (s *StatusServer) RepositoriesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var result []RepoEntry
	for id, repo := range s.Config.Repositories {
		entry := RepoEntry{ID: id, Paths: repo.Paths}
		if repo.S3 != nil {
			entry.Backend = "s3"
			entry.Target = repo.S3.URL()
		} else {
			entry.Backend = "local"
			entry.Target = repo.Local.Path
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	writeJSON(w, result)
}

// CheckHandler runs a dry scheduling pass and reports which repository, if
// any, would be backed up next. The statefile is not touched. Passes are
// serialized so two requests cannot race over the same records.
func (s *StatusServer) CheckHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.checkmu.Lock()
	defer s.checkmu.Unlock()

	status, err := state.Check(s.Statefile, s.Config, true, "", digest.Paths)
	if err == state.ErrNoStatefile {
		w.WriteHeader(404)
		fmt.Fprintln(w, "No statefile exists")
		return
	}
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	next, _ := status.Next()
	writeJSON(w, map[string]string{"next": next})
}

func (s *StatusServer) loadState(w http.ResponseWriter) (*state.State, bool) {
	st, err := state.Load(s.Statefile, s.Config.Repositories)
	if err == state.ErrNoStatefile {
		w.WriteHeader(404)
		fmt.Fprintln(w, "No statefile exists")
		return nil, false
	}
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return nil, false
	}
	return st, true
}

func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(val)
}
