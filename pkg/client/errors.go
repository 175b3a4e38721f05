package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Sternrassler/chainfetch/pkg/fault"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNoEndpoints is returned when a pool is built without endpoints.
	ErrNoEndpoints = errors.New("no endpoints configured")
)

// maxErrorBody bounds how much of an error response body is kept.
const maxErrorBody = 512

// statusError builds a classified remote error from a non-2xx response.
// The body is consumed up to maxErrorBody bytes.
func statusError(source string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	class := fault.FromStatus(resp.StatusCode)
	if class == "" {
		class = fault.ClassPermanent
	}

	var err error
	if resp.StatusCode == http.StatusTooManyRequests {
		err = fault.ErrThrottled
	}

	msg := resp.Status
	if len(body) > 0 {
		msg = fmt.Sprintf("%s: %s", resp.Status, body)
	}

	return &fault.RemoteError{
		Class:      class,
		Source:     source,
		StatusCode: resp.StatusCode,
		Message:    msg,
		Err:        err,
	}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var re *fault.RemoteError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}
