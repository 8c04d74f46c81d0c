// Package instrumentation records OAuth flow metrics with OpenTelemetry.
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/milanbella/sa-oauth"

// Metrics holds the metric instruments of the authorization server. A nil
// *Metrics records nothing.
type Metrics struct {
	codesIssued          metric.Int64Counter
	codesExchanged       metric.Int64Counter
	tokensRefreshed      metric.Int64Counter
	tokensRevoked        metric.Int64Counter
	codeReuseDetected    metric.Int64Counter
	refreshReuseDetected metric.Int64Counter
	errors               metric.Int64Counter
	rateLimited          metric.Int64Counter
	sweptEntries         metric.Int64Counter
}

// New creates the instruments on provider. A nil provider yields no-op
// instruments.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.codesIssued, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.codesExchanged, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.tokensRefreshed, "oauth.token.refreshed", "Number of refresh token rotations", "{refresh}"},
		{&m.tokensRevoked, "oauth.token.revoked", "Number of tokens revoked", "{token}"},
		{&m.codeReuseDetected, "oauth.code.reuse_detected", "Number of consumed authorization codes presented again", "{event}"},
		{&m.refreshReuseDetected, "oauth.token.reuse_detected", "Number of revoked refresh tokens presented again", "{event}"},
		{&m.errors, "oauth.errors", "Number of OAuth error responses", "{error}"},
		{&m.rateLimited, "oauth.rate_limit.exceeded", "Number of rate limited requests", "{request}"},
		{&m.sweptEntries, "oauth.storage.swept", "Number of expired entries reclaimed", "{entry}"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	return m, nil
}

func clientAttr(clientID string) metric.AddOption {
	return metric.WithAttributes(attribute.String("client_id", clientID))
}

func (m *Metrics) CodeIssued(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.codesIssued.Add(ctx, 1, clientAttr(clientID))
}

func (m *Metrics) CodeExchanged(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.codesExchanged.Add(ctx, 1, clientAttr(clientID))
}

func (m *Metrics) TokenRefreshed(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.tokensRefreshed.Add(ctx, 1, clientAttr(clientID))
}

// TokensRevoked records n revoked tokens; reason is "request", "code_reuse" or "refresh_reuse".
func (m *Metrics) TokensRevoked(ctx context.Context, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRevoked.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) CodeReuseDetected(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.codeReuseDetected.Add(ctx, 1, clientAttr(clientID))
}

func (m *Metrics) RefreshReuseDetected(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.refreshReuseDetected.Add(ctx, 1, clientAttr(clientID))
}

func (m *Metrics) Error(ctx context.Context, endpoint, code string) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("error", code),
	))
}

func (m *Metrics) RateLimited(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

func (m *Metrics) Swept(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptEntries.Add(ctx, int64(n))
}
