package tier

import (
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/remora/config"
)

// A Handler manages the storage tiering for one S3-backed repository: one
// bucket plus an optional key prefix. Do not change the public fields after
// the first call using the structure.
//
// Each Handler owns its own API client. Workers spawned for bulk operations
// each receive a duplicate of the Handler with a freshly constructed client,
// built from the same credentials; a single client handle is never driven
// from independent workers.
type Handler struct {
	Bucket string
	Prefix string

	// AllocSize is the initial capacity hint for object listings.
	AllocSize int
	// HoldTime is how long to sleep between polling rounds while waiting
	// for restores to complete.
	HoldTime time.Duration
	// MaxWorkers caps the number of concurrent workers a bulk operation
	// may spawn.
	MaxWorkers int
	// RetryCount is the attempt budget for a single remote call.
	RetryCount int
	// RetryWait is the fixed sleep between attempts.
	RetryWait time.Duration

	svc       s3iface.S3API
	newClient func() s3iface.S3API
	clock     clock.Clock
}

// Default tunables for a new Handler.
const (
	DefaultAllocSize  = 1024
	DefaultHoldTime   = 15 * time.Second
	DefaultMaxWorkers = 16
	DefaultRetryCount = 5
	DefaultRetryWait  = 2 * time.Second
)

// New creates a Handler for the given repository. The client is built from
// the repository's credentials, region and endpoint.
func New(repo *config.S3Repo) *Handler {
	return NewWithClient(repo.Bucket, repo.Prefix, func() s3iface.S3API {
		conf := &aws.Config{
			Credentials: credentials.NewStaticCredentials(repo.Key.ID, repo.Key.Secret, ""),
			Region:      aws.String(repo.Region),
		}
		if repo.Endpoint != "" {
			conf.Endpoint = aws.String(repo.Endpoint)
		}
		return s3.New(session.New(conf))
	})
}

// NewWithClient creates a Handler whose clients come from the given
// factory. The factory is invoked once per worker, so it must return a new
// client on every call.
func NewWithClient(bucket, prefix string, factory func() s3iface.S3API) *Handler {
	return &Handler{
		Bucket:     bucket,
		Prefix:     prefix,
		AllocSize:  DefaultAllocSize,
		HoldTime:   DefaultHoldTime,
		MaxWorkers: DefaultMaxWorkers,
		RetryCount: DefaultRetryCount,
		RetryWait:  DefaultRetryWait,
		svc:        factory(),
		newClient:  factory,
		clock:      clock.New(),
	}
}

// dup returns a copy of the Handler holding a freshly constructed client.
func (h *Handler) dup() *Handler {
	d := *h
	d.svc = h.newClient()
	return &d
}

// BucketExists reports whether the bucket is reachable. It answers false
// only for an explicit not-found response; a forbidden response, an
// unclassifiable failure, or an exhausted retry budget is an error, never a
// silent "missing".
func (h *Handler) BucketExists() (bool, error) {
	err := h.retry("bucket exists", func() error {
		_, err := h.svc.HeadBucket(&s3.HeadBucketInput{
			Bucket: aws.String(h.Bucket),
		})
		return err
	})
	if err == nil {
		return true, nil
	}
	if reqerr, ok := err.(awserr.RequestFailure); ok && reqerr.StatusCode() == 404 {
		log.Printf("S3 bucket exists: bucket %s does not exist", h.Bucket)
		return false, nil
	}
	h.capture(err, "")
	return false, errors.Wrapf(err, "checking existence of bucket %s", h.Bucket)
}

// ListAllObjects enumerates every object under the bucket and prefix,
// following continuation tokens across pages. An object listed without a
// storage class is in STANDARD; the API omits the field for the default
// class.
func (h *Handler) ListAllObjects() ([]Object, error) {
	objects := make([]Object, 0, h.AllocSize)
	var token *string
	for {
		var page *s3.ListObjectsV2Output
		err := h.retry("list objects", func() error {
			input := &s3.ListObjectsV2Input{
				Bucket:            aws.String(h.Bucket),
				ContinuationToken: token,
			}
			if h.Prefix != "" {
				input.Prefix = aws.String(h.Prefix)
			}
			var err error
			page, err = h.svc.ListObjectsV2(input)
			return err
		})
		if err != nil {
			h.capture(err, "")
			return nil, errors.Wrapf(err, "listing objects in bucket %s", h.Bucket)
		}
		for _, item := range page.Contents {
			key := aws.StringValue(item.Key)
			class := Standard
			if item.StorageClass == nil {
				log.Printf("S3 list objects: no storage class for %s, assuming STANDARD", key)
			} else {
				var err error
				class, err = ParseClass(aws.StringValue(item.StorageClass))
				if err != nil {
					return nil, err
				}
			}
			objects = append(objects, Object{Key: key, Class: class})
		}
		if page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}

	log.Printf("S3 list objects: %d items in bucket %s prefix %q", len(objects), h.Bucket, h.Prefix)
	if len(objects) == 0 {
		log.Printf("S3 list objects: listed no items in bucket %s prefix %q", h.Bucket, h.Prefix)
	}
	return objects, nil
}

// StorageClass returns the current storage class of one object. As with
// listings, a missing storage class field means STANDARD.
func (h *Handler) StorageClass(key string) (Class, error) {
	var head *s3.HeadObjectOutput
	err := h.retry("head object", func() error {
		var err error
		head, err = h.svc.HeadObject(&s3.HeadObjectInput{
			Bucket: aws.String(h.Bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		h.capture(err, key)
		return "", errors.Wrapf(err, "heading object %s", key)
	}
	if head.StorageClass == nil {
		log.Printf("S3 head object: no storage class for %s, assuming STANDARD", key)
		return Standard, nil
	}
	return ParseClass(aws.StringValue(head.StorageClass))
}

// RestoreObject asks the service to move one object out of GLACIER. A
// conflict response means a restore for the key is already in flight, which
// is the outcome the caller wanted anyway, so it is treated as success.
func (h *Handler) RestoreObject(key string) error {
	err := h.retry("restore object", func() error {
		_, err := h.svc.RestoreObject(&s3.RestoreObjectInput{
			Bucket: aws.String(h.Bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		if reqerr, ok := err.(awserr.RequestFailure); ok && reqerr.StatusCode() == 409 {
			log.Printf("S3 restore object: restore of %s already in progress", key)
			return nil
		}
		h.capture(err, key)
		return errors.Wrapf(err, "restoring object %s", key)
	}
	return nil
}

// ArchiveObject moves one object into GLACIER by copying it onto itself
// with the target storage class set.
func (h *Handler) ArchiveObject(key string) error {
	err := h.retry("archive object", func() error {
		_, err := h.svc.CopyObject(&s3.CopyObjectInput{
			Bucket:       aws.String(h.Bucket),
			Key:          aws.String(key),
			CopySource:   aws.String(h.Bucket + "/" + key),
			StorageClass: aws.String(s3.StorageClassGlacier),
		})
		return err
	})
	if err != nil {
		h.capture(err, key)
		return errors.Wrapf(err, "archiving object %s", key)
	}
	return nil
}

// RestoreAllObjects requests restoration of every archived object under the
// prefix. Objects already out of GLACIER are skipped. It returns the set of
// objects restoration was requested for, which may be empty.
func (h *Handler) RestoreAllObjects() ([]Object, error) {
	start := time.Now()
	objects, err := h.ListAllObjects()
	if err != nil {
		return nil, err
	}
	candidates := objects[:0]
	for _, o := range objects {
		if o.Class == Glacier {
			candidates = append(candidates, o)
		}
	}

	err = h.runChunks(candidates, func(worker *Handler, o Object) error {
		return worker.RestoreObject(o.Key)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("S3 restore all: requested restoration of %d objects in %v",
		len(candidates), time.Since(start))
	return candidates, nil
}

// ArchiveAllObjects moves every object under the prefix that is not already
// in GLACIER into it. It returns the set of objects archival was requested
// for, which may be empty.
func (h *Handler) ArchiveAllObjects() ([]Object, error) {
	start := time.Now()
	objects, err := h.ListAllObjects()
	if err != nil {
		return nil, err
	}
	candidates := objects[:0]
	for _, o := range objects {
		if o.Class != Glacier {
			candidates = append(candidates, o)
		}
	}

	err = h.runChunks(candidates, func(worker *Handler, o Object) error {
		return worker.ArchiveObject(o.Key)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("S3 archive all: requested archival of %d objects in %v",
		len(candidates), time.Since(start))
	return candidates, nil
}

// RestoreAllObjectsBlocking requests restoration of every archived object
// and then polls, sleeping HoldTime between rounds, until every one of them
// has left GLACIER. Each polling round fans the class queries out across
// workers the same way the bulk operations do.
//
// There is no round limit; if the service never finishes a restore this
// blocks until it does.
func (h *Handler) RestoreAllObjectsBlocking() error {
	objects, err := h.RestoreAllObjects()
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		log.Println("S3 restore blocking: no objects need restoration")
		return nil
	}

	start := time.Now()
	count := len(objects)
	for len(objects) > 0 {
		h.clock.Sleep(h.HoldTime)

		var mu sync.Mutex
		var waiting []Object
		err := h.runChunks(objects, func(worker *Handler, o Object) error {
			class, err := worker.StorageClass(o.Key)
			if err != nil {
				return err
			}
			if class == Glacier {
				mu.Lock()
				waiting = append(waiting, o)
				mu.Unlock()
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Printf("S3 restore blocking: %d of %d objects still archived", len(waiting), count)
		objects = waiting
	}

	log.Printf("S3 restore blocking: restored %d objects in %v", count, time.Since(start))
	return nil
}

// capture reports a remote failure to sentry, tagged with enough context to
// find the bucket again. Retry exhaustion is tagged separately from a
// definitive rejection.
func (h *Handler) capture(err error, key string) {
	tags := map[string]string{"Bucket": h.Bucket, "Prefix": h.Prefix}
	if key != "" {
		tags["Key"] = key
	}
	if exhausted(err) {
		tags["Outcome"] = "exhausted"
	} else {
		tags["Outcome"] = "rejected"
	}
	raven.CaptureError(err, tags)
}
