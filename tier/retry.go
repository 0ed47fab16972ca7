package tier

import (
	"log"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/pkg/errors"
)

// ErrRetryExhausted is returned (wrapped with the operation name) when every
// attempt of a remote call hit a retryable condition and the attempt budget
// ran out. It is distinct from a definitive remote rejection, which is
// returned as-is after the first occurrence.
var ErrRetryExhausted = errors.New("ran out of retries")

// retry runs attempt up to RetryCount times, sleeping RetryWait between
// attempts. The attempt closure must build its request arguments afresh on
// every call; some requests embed state (such as continuation tokens) that
// cannot be reused across attempts.
//
// A non-retryable failure is returned immediately and unwrapped, so callers
// can inspect it for statuses they want to normalize (404 on HeadBucket,
// 409 on restore).
func (h *Handler) retry(op string, attempt func() error) error {
	for i := 0; i < h.RetryCount; i++ {
		err := attempt()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			log.Printf("S3 %s: %s", op, err)
			return err
		}
		log.Printf("S3 %s: transient failure (attempt %d of %d): %s", op, i+1, h.RetryCount, err)
		if i+1 < h.RetryCount {
			h.clock.Sleep(h.RetryWait)
		}
	}
	log.Printf("S3 %s: failed to complete after %d attempts", op, h.RetryCount)
	return errors.Wrap(ErrRetryExhausted, op)
}

// retryable classifies a failure from the S3 client.
//
// Anything carrying an HTTP status is retried only for 408, 429, 500, 502
// and 504; every other status is a definitive answer from the service.
// Below the status level, transport dispatch and response parse failures
// are worth retrying, while everything else (credentials, request
// validation, and any code we do not recognize) fails immediately.
func retryable(err error) bool {
	if reqerr, ok := err.(awserr.RequestFailure); ok {
		switch reqerr.StatusCode() {
		case 408, 429, 500, 502, 504:
			return true
		}
		return false
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case request.ErrCodeSerialization,
			request.ErrCodeRead,
			request.ErrCodeResponseTimeout,
			"RequestError": // transport dispatch failure
			return true
		}
		return false
	}
	return false
}

// exhausted reports whether err is the retry wrapper giving up.
func exhausted(err error) bool {
	return errors.Cause(err) == ErrRetryExhausted
}
