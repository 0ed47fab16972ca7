package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExpandPaths resolves the repository's configured path patterns into
// concrete filesystem paths. A leading tilde is replaced with the home
// directory, then the result is treated as a glob. A pattern matching
// nothing contributes nothing; a malformed pattern is an error.
func (r *Repo) ExpandPaths() ([]string, error) {
	var paths []string
	for _, pat := range r.Paths {
		expanded, err := expandTilde(pat)
		if err != nil {
			return nil, err
		}
		matches, err := filepath.Glob(expanded)
		if err != nil {
			return nil, errors.Wrapf(err, "bad glob pattern %q", pat)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

func expandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "expanding ~")
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
