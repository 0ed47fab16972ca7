package digest

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Paths computes a deterministic digest over the recursive contents of the
// given paths. The paths are visited in sorted order, and for each regular
// file the path relative to its root, the file size, and the file contents
// are fed into a single running SHA-256. Two trees with identical layout and
// content always produce the same digest.
//
// A listed path that does not exist is an error; the caller is expected to
// have already expanded globs to concrete paths.
func Paths(paths []string) (HexDigest, error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	h := sha256.New()
	for _, root := range sorted {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00%d\x00", rel, info.Size())
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			return err
		})
		if err != nil {
			return HexDigest{}, errors.Wrapf(err, "digest of %s", root)
		}
	}
	return New(h.Sum(nil)), nil
}
