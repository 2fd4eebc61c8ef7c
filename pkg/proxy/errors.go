package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Failure reasons, used as the metrics "reason" label.
const (
	ReasonUnknownService      = "unknown_service"
	ReasonUpgradeNotSupported = "upgrade_not_supported"
	ReasonBackendUnreachable  = "backend_unreachable"
	ReasonBackendTimeout      = "backend_timeout"
	ReasonBackendTLS          = "backend_tls_error"
	ReasonClientCanceled      = "client_canceled"
	ReasonHijackFailed        = "hijack_failed"
)

// StatusClientClosedRequest is recorded when the caller went away before a
// response could be written. It is never sent on the wire.
const StatusClientClosedRequest = 499

// ClassifyError maps a backend round-trip or dial error to a reason and the
// status code returned to the caller.
func ClassifyError(ctx context.Context, err error) (reason string, status int) {
	if ctx != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ReasonClientCanceled, StatusClientClosedRequest
	}
	if errors.Is(err, context.Canceled) {
		return ReasonClientCanceled, StatusClientClosedRequest
	}
	if isTLSError(err) {
		return ReasonBackendTLS, http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonBackendTimeout, http.StatusGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonBackendTimeout, http.StatusGatewayTimeout
	}
	return ReasonBackendUnreachable, http.StatusBadGateway
}

func isTLSError(err error) bool {
	if err == nil {
		return false
	}
	var (
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &verifyErr),
		errors.As(err, &authorityErr),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr):
		return true
	}
	// Handshake failures that only surface as strings (e.g. "tls: handshake failure").
	return strings.Contains(err.Error(), "tls: ")
}
