// Package transport picks the destination for a streaming call and performs
// the HTTP exchange, returning the raw byte stream for decoding.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bytechat/engine/pkg/domain"
	"github.com/bytechat/engine/pkg/logger"
	"github.com/bytechat/engine/pkg/provider"
)

// verificationFailurePhrase is the backend's token-verification failure
// message. It arrives with a 401 but is matched on the body as well, since
// some proxies rewrite the status.
const verificationFailurePhrase = "Invalid access token"

// IdentityInvalidator removes the local identity record after a
// backend-reported authentication failure.
type IdentityInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Call is one opened stream: the body to decode and the adapter that
// understands its frames.
type Call struct {
	Adapter provider.Adapter
	Body    io.ReadCloser
}

type Dispatcher struct {
	hc         *http.Client
	registry   *provider.Registry
	identities IdentityInvalidator
}

// NewDispatcher creates a dispatcher. No timeout is enforced here; a stalled
// upstream blocks until the surrounding runtime's own network timeout fires,
// if any.
func NewDispatcher(registry *provider.Registry, identities IdentityInvalidator) *Dispatcher {
	return &Dispatcher{
		hc:         &http.Client{},
		registry:   registry,
		identities: identities,
	}
}

// Resolve applies the routing rule: identity always wins. Any active identity
// token sends the call to the metered backend, which selects the upstream
// provider server-side; a private API key configured alongside it is never
// used. Absent an identity, the call goes directly to the chosen provider.
func (d *Dispatcher) Resolve(req domain.StreamRequest) (provider.Adapter, error) {
	if req.Credential.IdentityToken != "" {
		return d.registry.ForTarget(domain.ProviderMetered)
	}
	return d.registry.ForTarget(req.Target)
}

// Open composes and performs the request, classifying any non-2xx response.
// On success the caller owns closing the returned body.
func (d *Dispatcher) Open(ctx context.Context, req domain.StreamRequest) (*Call, error) {
	adapter, err := d.Resolve(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := adapter.NewRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := d.hc.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Err: fmt.Errorf("executing HTTP request: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, d.classify(ctx, resp.StatusCode, string(body))
	}

	return &Call{Adapter: adapter, Body: resp.Body}, nil
}

// classify maps a failed response to the error taxonomy. Authentication
// failures additionally invalidate the local identity record: fail fast, no
// silent retry.
func (d *Dispatcher) classify(ctx context.Context, status int, body string) error {
	authFailure := status == http.StatusUnauthorized ||
		status == http.StatusForbidden ||
		strings.Contains(body, verificationFailurePhrase)

	if authFailure {
		if d.identities != nil {
			if err := d.identities.Invalidate(ctx); err != nil {
				slog.Error("invalidating identity after auth failure", logger.Err(err))
			}
		}
		return &domain.AuthenticationError{Reason: strings.TrimSpace(body)}
	}

	return &domain.TransportError{StatusCode: status, Body: body}
}
