// Package pipeline defines the error taxonomy shared across the document
// pipeline. Classification drives queue acknowledgment: permanent errors
// remove the message after the record is marked Failed, transient errors
// leave it for redelivery.
package pipeline

import (
	"errors"
	"fmt"
)

// NotFetchableError marks a URL whose shape rules it out before any network
// call is made.
type NotFetchableError struct {
	URL string
}

func (e *NotFetchableError) Error() string {
	return fmt.Sprintf("not a fetchable document URL: %s", e.URL)
}

// FetchFailedError is an HTTP-level download failure. Status 0 means the
// request never produced a response (transport error).
type FetchFailedError struct {
	URL    string
	Status int
}

func (e *FetchFailedError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("fetch failed for %s: transport error", e.URL)
	}
	return fmt.Sprintf("fetch failed for %s: HTTP %d", e.URL, e.Status)
}

// InvalidContentError marks downloaded bytes that do not carry the expected
// binary signature.
type InvalidContentError struct {
	URL string
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("downloaded content is not a valid PDF: %s", e.URL)
}

// RenderFailedError marks a document that could not be converted into page
// images.
type RenderFailedError struct {
	Cause error
}

func (e *RenderFailedError) Error() string {
	return fmt.Sprintf("failed to render document pages: %v", e.Cause)
}

func (e *RenderFailedError) Unwrap() error { return e.Cause }

// ExtractionFailedError marks a page whose text extraction exhausted its
// retry budget within the current invocation.
type ExtractionFailedError struct {
	Attempts int
	Cause    error
}

func (e *ExtractionFailedError) Error() string {
	return fmt.Sprintf("text extraction failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ExtractionFailedError) Unwrap() error { return e.Cause }

// StorageError marks an unavailable content or metadata store. Always
// transient: the whole message aborts without acknowledgment.
type StorageError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s: %v", e.Op, e.Key, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// Permanent reports whether an error can never succeed on redelivery.
// Unknown errors are treated as transient so that nothing is dropped by
// mistake; poison messages are bounded by the permanent classifications
// below.
func Permanent(err error) bool {
	var notFetchable *NotFetchableError
	var fetchFailed *FetchFailedError
	var invalidContent *InvalidContentError
	var renderFailed *RenderFailedError

	switch {
	case errors.As(err, &notFetchable):
		return true
	case errors.As(err, &invalidContent):
		return true
	case errors.As(err, &renderFailed):
		return true
	case errors.As(err, &fetchFailed):
		// 5xx responses and transport errors may clear up; everything else
		// (404, 403, ...) will fail the same way forever.
		return fetchFailed.Status != 0 && fetchFailed.Status < 500
	default:
		return false
	}
}
