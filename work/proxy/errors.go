package proxy

import (
	"errors"
	"fmt"
)

// ErrNoStreamTarget is returned when the media route or a relay start needs a
// stream target and none has been set.
var ErrNoStreamTarget = errors.New("stream URL is not set")

// UpstreamError describes a failed upstream fetch. Err is set for transport
// failures; Status and Body are set when the upstream answered with a non-2xx status.
type UpstreamError struct {
	Route  string
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: upstream request failed: %v", e.Route, e.Err)
	}
	return fmt.Sprintf("%s: upstream returned status %d", e.Route, e.Status)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
