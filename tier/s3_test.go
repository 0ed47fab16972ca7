package tier

import (
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// fakeS3 implements the handful of S3 calls the tiering engine makes.
// Objects are held as key → storage class; the empty class stands for an
// object the API would list without a StorageClass field. Everything is
// mutex-guarded since bulk operations drive it from several goroutines.
type fakeS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string]string // key -> class ("" = field omitted)
	order   []string          // listing order

	pageSize int

	// failure injection: per-call error queues, popped per invocation
	headBucketErrs []error
	headObjectErrs []error
	restoreErrs    []error
	copyErrs       []error
	listErrs       []error

	// restoreAfter makes HeadObject report GLACIER this many more times
	// per key before flipping the object to STANDARD
	restoreAfter map[string]int

	headBucketCalls int
	restoreCalls    map[string]int
	copyCalls       map[string]int
}

func newFakeS3(objects map[string]string) *fakeS3 {
	f := &fakeS3{
		objects:      make(map[string]string),
		pageSize:     2,
		restoreAfter: make(map[string]int),
		restoreCalls: make(map[string]int),
		copyCalls:    make(map[string]int),
	}
	for k, v := range objects {
		f.objects[k] = v
		f.order = append(f.order, k)
	}
	return f
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (f *fakeS3) HeadBucket(*s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headBucketCalls++
	if err := pop(&f.headBucketErrs); err != nil {
		return nil, err
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.listErrs); err != nil {
		return nil, err
	}
	start := 0
	if input.ContinuationToken != nil {
		start, _ = strconv.Atoi(*input.ContinuationToken)
	}
	end := start + f.pageSize
	if end > len(f.order) {
		end = len(f.order)
	}
	out := &s3.ListObjectsV2Output{}
	for _, key := range f.order[start:end] {
		obj := &s3.Object{Key: aws.String(key)}
		if class := f.objects[key]; class != "" {
			obj.StorageClass = aws.String(class)
		}
		out.Contents = append(out.Contents, obj)
	}
	if end < len(f.order) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) HeadObject(input *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.headObjectErrs); err != nil {
		return nil, err
	}
	key := *input.Key
	class, ok := f.objects[key]
	if !ok {
		return nil, awserr.NewRequestFailure(awserr.New("NotFound", "no such key", nil), 404, "")
	}
	if n := f.restoreAfter[key]; n > 0 {
		f.restoreAfter[key] = n - 1
		if n == 1 {
			f.objects[key] = "STANDARD"
			class = "STANDARD"
		}
	}
	out := &s3.HeadObjectOutput{}
	if class != "" {
		out.StorageClass = aws.String(class)
	}
	return out, nil
}

func (f *fakeS3) RestoreObject(input *s3.RestoreObjectInput) (*s3.RestoreObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.restoreErrs); err != nil {
		return nil, err
	}
	f.restoreCalls[*input.Key]++
	return &s3.RestoreObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(input *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.copyErrs); err != nil {
		return nil, err
	}
	key := *input.Key
	f.copyCalls[key]++
	f.objects[key] = *input.StorageClass
	return &s3.CopyObjectOutput{}, nil
}

// newTestHandler wires a Handler to the fake with waits short enough for
// tests.
func newTestHandler(f *fakeS3) *Handler {
	h := NewWithClient("testbucket", "", func() s3iface.S3API { return f })
	h.RetryWait = time.Millisecond
	h.HoldTime = time.Millisecond
	return h
}

func httpStatus(status int) error {
	return awserr.NewRequestFailure(
		awserr.New("TestFailure", fmt.Sprintf("status %d", status), nil), status, "req-id")
}

func TestBucketExists(t *testing.T) {
	f := newFakeS3(nil)
	h := newTestHandler(f)

	ok, err := h.BucketExists()
	if err != nil || !ok {
		t.Errorf("got (%v, %v), expected (true, nil)", ok, err)
	}

	// an explicit 404 is the one and only way to get false
	f.headBucketErrs = []error{httpStatus(404)}
	ok, err = h.BucketExists()
	if err != nil || ok {
		t.Errorf("got (%v, %v), expected (false, nil)", ok, err)
	}

	// forbidden must surface as an error, not as a missing bucket
	f.headBucketErrs = []error{httpStatus(403)}
	_, err = h.BucketExists()
	if err == nil {
		t.Error("expected error for 403")
	}

	// retry exhaustion must surface as an error too, distinct from a
	// definitive rejection
	h.RetryCount = 2
	f.headBucketErrs = []error{httpStatus(500), httpStatus(500)}
	_, err = h.BucketExists()
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !exhausted(err) {
		t.Errorf("error %v not marked as retry exhaustion", err)
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	f := newFakeS3(nil)
	h := newTestHandler(f)
	f.headBucketErrs = []error{httpStatus(500), httpStatus(429)}

	ok, err := h.BucketExists()
	if err != nil || !ok {
		t.Fatalf("got (%v, %v), expected recovery", ok, err)
	}
	if f.headBucketCalls != 3 {
		t.Errorf("made %d attempts, expected 3", f.headBucketCalls)
	}
}

func TestRetryDefinitiveStopsImmediately(t *testing.T) {
	f := newFakeS3(nil)
	h := newTestHandler(f)
	f.headBucketErrs = []error{httpStatus(403)}

	if _, err := h.BucketExists(); err == nil {
		t.Fatal("expected error")
	}
	if f.headBucketCalls != 1 {
		t.Errorf("made %d attempts, expected 1 for a definitive failure", f.headBucketCalls)
	}
}

func TestListAllObjectsPaginates(t *testing.T) {
	f := newFakeS3(map[string]string{
		"a": "STANDARD",
		"b": "GLACIER",
		"c": "", // listed without the field: means STANDARD
		"d": "STANDARD",
		"e": "GLACIER",
	})
	h := newTestHandler(f)

	objects, err := h.ListAllObjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 5 {
		t.Fatalf("listed %d objects, expected 5", len(objects))
	}
	classes := make(map[string]Class)
	for _, o := range objects {
		classes[o.Key] = o.Class
	}
	if classes["b"] != Glacier || classes["e"] != Glacier {
		t.Error("archived objects not reported as GLACIER")
	}
	if classes["c"] != Standard {
		t.Error("missing storage class field should default to STANDARD")
	}
}

func TestListAllObjectsUnknownClass(t *testing.T) {
	f := newFakeS3(map[string]string{"a": "DEEP_ARCHIVE"})
	h := newTestHandler(f)
	if _, err := h.ListAllObjects(); err == nil {
		t.Error("expected error for unhandled storage class")
	}
}

func TestStorageClass(t *testing.T) {
	f := newFakeS3(map[string]string{"hot": "STANDARD", "cold": "GLACIER", "bare": ""})
	h := newTestHandler(f)

	var table = []struct {
		key  string
		want Class
	}{
		{"hot", Standard},
		{"cold", Glacier},
		{"bare", Standard},
	}
	for _, tab := range table {
		got, err := h.StorageClass(tab.key)
		if err != nil || got != tab.want {
			t.Errorf("StorageClass(%s) = (%v, %v), expected %v", tab.key, got, err, tab.want)
		}
	}

	if _, err := h.StorageClass("missing"); err == nil {
		t.Error("expected error for missing object")
	}
}

func TestRestoreObjectConflictIsSuccess(t *testing.T) {
	f := newFakeS3(map[string]string{"a": "GLACIER"})
	h := newTestHandler(f)
	f.restoreErrs = []error{httpStatus(409)}

	if err := h.RestoreObject("a"); err != nil {
		t.Errorf("409 should be normalized to success, got %v", err)
	}
}

func TestArchiveAllObjects(t *testing.T) {
	f := newFakeS3(map[string]string{
		"a": "STANDARD",
		"b": "GLACIER",
		"c": "",
		"d": "STANDARD",
	})
	h := newTestHandler(f)

	requested, err := h.ArchiveAllObjects()
	if err != nil {
		t.Fatal(err)
	}
	// only the objects not already in GLACIER qualify
	if len(requested) != 3 {
		t.Fatalf("requested %d archivals, expected 3", len(requested))
	}
	for _, key := range []string{"a", "c", "d"} {
		if f.copyCalls[key] != 1 {
			t.Errorf("object %s got %d archive requests, expected exactly 1", key, f.copyCalls[key])
		}
	}
	if f.copyCalls["b"] != 0 {
		t.Error("already archived object was archived again")
	}

	// after the transition nothing previously STANDARD may remain STANDARD
	objects, err := h.ListAllObjects()
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range objects {
		if o.Class != Glacier {
			t.Errorf("object %s still %s after archive all", o.Key, o.Class)
		}
	}
}

func TestRestoreAllObjects(t *testing.T) {
	f := newFakeS3(map[string]string{
		"a": "STANDARD",
		"b": "GLACIER",
		"c": "GLACIER",
	})
	h := newTestHandler(f)

	requested, err := h.RestoreAllObjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(requested) != 2 {
		t.Fatalf("requested %d restores, expected 2", len(requested))
	}
	for _, key := range []string{"b", "c"} {
		if f.restoreCalls[key] != 1 {
			t.Errorf("object %s got %d restore requests", key, f.restoreCalls[key])
		}
	}
	if f.restoreCalls["a"] != 0 {
		t.Error("restore requested for an object already in STANDARD")
	}
}

func TestRestoreAllObjectsBlocking(t *testing.T) {
	f := newFakeS3(map[string]string{
		"a": "GLACIER",
		"b": "GLACIER",
		"c": "STANDARD",
	})
	// a restores after 2 polls, b after 4
	f.restoreAfter["a"] = 2
	f.restoreAfter["b"] = 4
	h := newTestHandler(f)

	done := make(chan error, 1)
	go func() { done <- h.RestoreAllObjectsBlocking() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocking restore did not converge")
	}

	if f.objects["a"] != "STANDARD" || f.objects["b"] != "STANDARD" {
		t.Errorf("objects not restored: a=%s b=%s", f.objects["a"], f.objects["b"])
	}
	if f.restoreCalls["c"] != 0 {
		t.Error("restore requested for an object already in STANDARD")
	}
}

func TestRestoreAllObjectsBlockingNothingToDo(t *testing.T) {
	f := newFakeS3(map[string]string{"a": "STANDARD"})
	h := newTestHandler(f)
	if err := h.RestoreAllObjectsBlocking(); err != nil {
		t.Fatal(err)
	}
	if len(f.restoreCalls) != 0 {
		t.Error("no restore request should have been made")
	}
}
