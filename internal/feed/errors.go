package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrRecoverable marks transient fetch failures (network layer, DNS,
// timeouts) that are expected to self-resolve on a later poll. Everything
// else is treated as unexpected.
var ErrRecoverable = errors.New("recoverable feed error")

// ErrNotFound is returned by Resolve when the feed does not exist.
var ErrNotFound = errors.New("feed not found")

// Recoverable wraps err so IsRecoverable reports true for it.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRecoverable, err)
}

func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// Classify wraps network-layer errors as recoverable and leaves everything
// else untouched. Timeouts (including context deadlines from a
// per-subscription bound) count as recoverable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRecoverable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Recoverable(err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Recoverable(err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Recoverable(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Recoverable(err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Recoverable(err)
	}
	return err
}
