package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failed remote call by how the sync engine recovers from it
type Kind string

const (
	// KindNetwork is a timeout or connection failure; the caller falls back to local-only behaviour
	KindNetwork Kind = "network"
	// KindConflict is a 409/duplicate; the change is already on the server
	KindConflict Kind = "conflict"
	// KindNotFound is a 404; recovered via create fallback or natural-key lookup
	KindNotFound Kind = "not_found"
	// KindValidation is any other 4xx; surfaced, the change stays pending
	KindValidation Kind = "validation"
	// KindServer is a 5xx or an undecodable response
	KindServer Kind = "server"
)

// Error is returned by every Client call that did not succeed
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("remote %s (HTTP %d %s): %s", e.Kind, e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("remote %s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("remote %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying transport error, if any
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a remote error, or "" for other errors
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsNetwork reports whether err means the server could not be reached
func IsNetwork(err error) bool { return KindOf(err) == KindNetwork }

// IsConflict reports whether err is a duplicate/409 response
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsNotFound reports whether err is a 404 response
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsValidation reports whether err is a 4xx rejection other than 404/409
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsServer reports whether err is a 5xx or malformed response
func IsServer(err error) bool { return KindOf(err) == KindServer }

func networkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindServer
	}
}

// classifyTransport maps an error from http.Client.Do. Anything that is not
// a cancellation by the caller is treated as the server being unreachable.
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return networkError(err)
}

// IsTimeout reports whether a network error was caused by a deadline
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
