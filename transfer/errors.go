package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"chatstore/trust"
)

var (
	// ErrConfiguration indicates the transport could not be configured for the
	// request's account, or the server's certificate was rejected.
	ErrConfiguration = errors.New("ConfigurationError")
	// ErrAlreadyExists indicates the final download path is taken.
	ErrAlreadyExists = errors.New("AlreadyExists")
	// ErrIO indicates a disk or stream failure.
	ErrIO = errors.New("IOError")
	// ErrCancelled indicates the caller cancelled the transfer.
	ErrCancelled = errors.New("cancelled")
	// ErrTimeout indicates a connect, read or write deadline expired.
	ErrTimeout = errors.New("timeout")
	// ErrBusy indicates another transfer is in flight.
	ErrBusy = errors.New("transfer: another download is active")
	// ErrAlreadyDownloaded indicates the attachment already has a local file.
	ErrAlreadyDownloaded = errors.New("transfer: attachment already downloaded")
)

// RemoteError is a non-success HTTP response.
type RemoteError struct {
	Status int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("RemoteError:%d", e.Status)
}

// Reason renders a transfer failure as the human-readable reason carried by
// failed progress events.
func Reason(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return ErrCancelled.Error()
	case errors.Is(err, ErrTimeout):
		return ErrTimeout.Error()
	case errors.As(err, &remote):
		return remote.Error()
	}

	for _, kind := range []error{ErrConfiguration, ErrAlreadyExists, ErrIO} {
		if errors.Is(err, kind) {
			msg := err.Error()
			if i := strings.Index(msg, kind.Error()); i >= 0 {
				return msg[i:]
			}
			return kind.Error()
		}
	}
	return ErrIO.Error() + ": " + err.Error()
}

// result labels a terminal error for metrics.
func result(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	default:
		return "io_error"
	}
}

// classify maps a network or context error onto the transfer error kinds.
func classify(ctx context.Context, err error, action string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, action)
		}
		return fmt.Errorf("%w: %s", ErrCancelled, action)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, action, err)
	}

	var verifyErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.Is(err, trust.ErrUntrusted) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) {
		return fmt.Errorf("%w: %s: %v", ErrConfiguration, action, err)
	}

	return fmt.Errorf("%w: %s: %v", ErrIO, action, err)
}
