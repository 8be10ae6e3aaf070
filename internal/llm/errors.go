package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrBackendUnavailable means the backend answered the liveness probe with a failure.
	ErrBackendUnavailable = errors.New("inference backend is not available")
	// ErrBackendUnreachable means no connection could be established.
	ErrBackendUnreachable = errors.New("inference backend is unreachable")
	// ErrBackendTimeout means the backend did not answer within the configured bound.
	ErrBackendTimeout = errors.New("inference backend timed out")
)

// StatusError is returned when the backend responds with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// classify maps transport errors onto the backend error taxonomy. Timeouts win over
// connection failures, so a dial that times out is reported as a timeout.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackendTimeout) || errors.Is(err, ErrBackendUnreachable) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %w", ErrBackendUnreachable, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", ErrBackendUnreachable, err)
	}
	return err
}
