package runtime

import (
	"context"
	"errors"
	"net"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
)

// ErrorKind classifies runtime failures so callers retry by kind, never by
// message matching.
type ErrorKind int

const (
	// KindTransient failures are retried with backoff (daemon unreachable,
	// timeouts, 5xx).
	KindTransient ErrorKind = iota
	// KindPermanent failures will not succeed on retry (bad image ref,
	// invalid argument).
	KindPermanent
	// KindConflict means another actor holds the resource (name already in
	// use). The reconciler re-observes instead of retrying blindly.
	KindConflict
	// KindNotFound means the resource is gone, which is often the desired
	// outcome for remove/stop.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Classify maps an error from the Docker API into an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindTransient
	case cerrdefs.IsNotFound(err):
		return KindNotFound
	case cerrdefs.IsConflict(err):
		return KindConflict
	case cerrdefs.IsInvalidArgument(err), cerrdefs.IsNotImplemented(err):
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	// The daemon reports name collisions as 409s, but older proxies may
	// flatten the status; keep the name check as a fallback.
	if strings.Contains(err.Error(), "is already in use") {
		return KindConflict
	}
	return KindTransient
}

// IsNotFound reports whether err means the container or image is absent.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}
