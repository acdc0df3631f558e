package scm

import "fmt"

// RequestError is returned for any provider API response whose status code
// is not in the expected set. It carries the provider's status and body so
// callers can decide how to react; no retry happens at this layer.
type RequestError struct {
	Status int
	Body   string
	URL    string
}

func (e *RequestError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("provider api error: status=%d url=%s body=%s", e.Status, e.URL, e.Body)
	}
	return fmt.Sprintf("provider api error: status=%d body=%s", e.Status, e.Body)
}
