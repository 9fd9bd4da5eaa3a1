package idp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Classification is the boundary contract between the adapters and the sync
// orchestrator: either the operator must act (client error, directory is
// disabled immediately) or the failure is transient (retried with backoff,
// disabled after 24 hours of unbroken failure).
type Classification struct {
	ClientError bool
	Message     string
}

// Transient reports whether the classification is retryable.
func (c Classification) Transient() bool { return !c.ClientError }

// apiName returns the operator-facing API name for an adapter.
func apiName(adapter string) string {
	switch adapter {
	case AdapterMicrosoftEntra:
		return "Microsoft Graph API"
	case AdapterOkta:
		return "Okta API"
	case AdapterGoogleWorkspace:
		return "Google Admin API"
	case AdapterJumpCloud:
		return "WorkOS API"
	default:
		return "identity provider API"
	}
}

// Classify maps a raw adapter error onto the {client_error, transient}
// taxonomy with a single-line human-readable message.
func Classify(adapter string, err error) Classification {
	var unauth *UnauthorizedError
	var status *StatusError
	var validation *ValidationError
	var scopes *MissingScopesError
	var deleteAll *DeleteAllError

	switch {
	case errors.Is(err, ErrRetryLater):
		return Classification{Message: apiName(adapter) + " is temporarily unavailable"}
	case errors.As(err, &unauth):
		return Classification{ClientError: true, Message: unauth.Message}
	case errors.As(err, &status):
		return Classification{ClientError: true, Message: status.Message}
	case errors.As(err, &validation):
		return Classification{ClientError: true, Message: validation.Error()}
	case errors.As(err, &scopes):
		return Classification{ClientError: true, Message: scopes.Error()}
	case errors.As(err, &deleteAll):
		return Classification{ClientError: true, Message: deleteAll.Error()}
	case isTransport(err):
		return Classification{Message: apiName(adapter) + " is temporarily unavailable"}
	default:
		return Classification{Message: apiName(adapter) + " request failed: " + err.Error()}
	}
}

// isTransport reports whether err is a network-level failure: DNS
// resolution, timeouts, refused or reset connections, TLS alerts,
// unreachable hosts or networks.
func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &recordHeaderErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	return errors.As(err, &certErr)
}
