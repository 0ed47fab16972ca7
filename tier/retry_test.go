package tier

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/pkg/errors"
)

func TestRetryableClassification(t *testing.T) {
	var table = []struct {
		name string
		err  error
		want bool
	}{
		{"status 408", httpStatus(408), true},
		{"status 429", httpStatus(429), true},
		{"status 500", httpStatus(500), true},
		{"status 502", httpStatus(502), true},
		{"status 504", httpStatus(504), true},
		{"status 400", httpStatus(400), false},
		{"status 403", httpStatus(403), false},
		{"status 404", httpStatus(404), false},
		{"status 409", httpStatus(409), false},
		{"status 503", httpStatus(503), false},
		{"dispatch", awserr.New("RequestError", "send failed", nil), true},
		{"parse", awserr.New(request.ErrCodeSerialization, "bad xml", nil), true},
		{"read", awserr.New(request.ErrCodeRead, "read failed", nil), true},
		{"response timeout", awserr.New(request.ErrCodeResponseTimeout, "timeout", nil), true},
		{"credentials", awserr.New("NoCredentialProviders", "no valid providers", nil), false},
		{"validation", awserr.New("InvalidParameter", "1 validation error", nil), false},
		{"plain error", errors.New("something else"), false},
	}
	for _, tab := range table {
		if got := retryable(tab.err); got != tab.want {
			t.Errorf("%s: retryable = %v, expected %v", tab.name, got, tab.want)
		}
	}
}

func TestRetryExhaustion(t *testing.T) {
	f := newFakeS3(nil)
	h := newTestHandler(f)
	h.RetryCount = 3
	f.headBucketErrs = []error{httpStatus(500), httpStatus(500), httpStatus(500)}

	err := h.retry("head bucket", func() error {
		_, err := f.HeadBucket(nil)
		return err
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !exhausted(err) {
		t.Errorf("error %v should be marked as exhaustion", err)
	}
	if f.headBucketCalls != 3 {
		t.Errorf("made %d attempts, expected 3", f.headBucketCalls)
	}

	// a definitive rejection is not exhaustion
	f.headBucketErrs = []error{httpStatus(403)}
	err = h.retry("head bucket", func() error {
		_, err := f.HeadBucket(nil)
		return err
	})
	if exhausted(err) {
		t.Error("definitive rejection wrongly marked as exhaustion")
	}
}

func TestRetryFreshArguments(t *testing.T) {
	f := newFakeS3(nil)
	h := newTestHandler(f)
	h.RetryCount = 4

	// the closure must be re-run, and so its arguments rebuilt, on every
	// attempt
	built := 0
	f.headBucketErrs = []error{httpStatus(500), httpStatus(500)}
	err := h.retry("head bucket", func() error {
		built++
		_, err := f.HeadBucket(nil)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if built != 3 {
		t.Errorf("argument generator ran %d times, expected 3", built)
	}
}
