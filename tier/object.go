// Package tier moves the objects backing an S3-stored repository between
// the hot (STANDARD) and cold (GLACIER) storage classes.
//
// A Handler is scoped to one bucket and key prefix. Bulk operations fan out
// across a bounded number of workers, every remote call goes through a
// retry wrapper that distinguishes transient from definitive failures, and
// the blocking restore variant polls until every object has left GLACIER.
package tier

import (
	"github.com/pkg/errors"
)

// A Class is the storage class an object currently resides in.
type Class string

// The two storage classes the tiering engine handles.
const (
	Standard Class = "STANDARD"
	Glacier  Class = "GLACIER"
)

// ParseClass converts the storage class string used by the S3 API. Any
// class this engine does not know how to handle is an error.
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case Standard:
		return Standard, nil
	case Glacier:
		return Glacier, nil
	}
	return "", errors.Errorf("tier: unhandled storage class %q", s)
}

// An Object is one key in the bucket together with its storage class at
// listing time. Objects are rebuilt on every listing and never persisted.
type Object struct {
	Key   string
	Class Class
}
