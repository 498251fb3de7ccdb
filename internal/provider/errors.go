package provider

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/dumontcloud/control-plane/internal/errs"
)

// ClassifyHTTPStatus maps a provider HTTP response onto the failure
// taxonomy from §4.1: Transient/RateLimited are retried by the adapter;
// InvalidRequest/Unauthorized/NotFound/Conflict fail up classified.
func ClassifyHTTPStatus(status int, body string) *errs.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.New(errs.KindProviderTransient, "rate limited: "+body).WithDetail("rate_limited", true).WithDetail("status", status)
	case status >= 500:
		return errs.New(errs.KindProviderTransient, "provider server error: "+body).WithDetail("status", status)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return errs.New(errs.KindValidation, "invalid request: "+body).WithDetail("status", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(errs.KindAuthentication, "provider rejected credentials: "+body).WithDetail("status", status)
	case status == http.StatusNotFound:
		return errs.New(errs.KindNotFound, "not found: "+body).WithDetail("status", status)
	case status == http.StatusConflict:
		return errs.New(errs.KindOfferUnavailable, "offer no longer available: "+body).WithDetail("status", status)
	default:
		return errs.New(errs.KindProviderFatal, "unexpected provider response: "+body).WithDetail("status", status)
	}
}

// ClassifyTransportError maps a network-layer error (connection reset,
// timeout, DNS failure) onto ProviderTransient so the retry loop picks it
// up the same way it handles a 5xx.
func ClassifyTransportError(err error) *errs.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.New(errs.KindCancelled, "request cancelled").WithDetail("cause", err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.New(errs.KindProviderTransient, "transport error: "+err.Error())
	}
	return errs.New(errs.KindProviderTransient, "transport error: "+err.Error())
}
