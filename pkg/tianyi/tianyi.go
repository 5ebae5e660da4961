// Package tianyi is the public surface of the gateway client. It wires
// the transport, decoder, session manager, rule repository and
// transaction engine together; everything here is glue.
package tianyi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/edsky/tianyi-api/pkg/gateway"
	"github.com/edsky/tianyi-api/pkg/rules"
)

// Client talks to one Tianyi gateway as an administrator. It is safe for
// concurrent use; session state transitions are serialized internally.
type Client struct {
	session *gateway.SessionManager
	decoder gateway.Decoder
	repo    *rules.Repository
	engine  *rules.Engine
}

// Builder assembles a Client from configuration.
type Builder struct {
	ip             string
	username       string
	password       string
	timeout        time.Duration
	proxyURL       string
	verifyAttempts int
	concurrency    int
	clock          clock.Clock
	transport      gateway.Transport
	decoder        gateway.Decoder
}

// Device defaults, matching the factory configuration.
const (
	DefaultIP       = "192.168.1.1"
	DefaultUsername = "useradmin"
)

// NewBuilder returns a builder primed with the device defaults.
func NewBuilder() *Builder {
	return &Builder{
		ip:       DefaultIP,
		username: DefaultUsername,
		timeout:  10 * time.Second,
	}
}

// IP sets the device address.
func (b *Builder) IP(ip string) *Builder {
	b.ip = ip
	return b
}

// Username sets the administrator account name.
func (b *Builder) Username(username string) *Builder {
	b.username = username
	return b
}

// Password sets the administrator password.
func (b *Builder) Password(password string) *Builder {
	b.password = password
	return b
}

// Timeout sets the per-call transport timeout.
func (b *Builder) Timeout(timeout time.Duration) *Builder {
	b.timeout = timeout
	return b
}

// Proxy routes exchanges through an HTTP proxy.
func (b *Builder) Proxy(proxyURL string) *Builder {
	b.proxyURL = proxyURL
	return b
}

// VerifyAttempts bounds the transaction engine's verification retries.
func (b *Builder) VerifyAttempts(attempts int) *Builder {
	b.verifyAttempts = attempts
	return b
}

// Concurrency bounds how many rules one Replace processes at once.
func (b *Builder) Concurrency(width int) *Builder {
	b.concurrency = width
	return b
}

// Clock injects the clock used for verify pacing. Tests use a mock.
func (b *Builder) Clock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// Transport overrides the HTTP transport. Tests point this at a fake.
func (b *Builder) Transport(t gateway.Transport) *Builder {
	b.transport = t
	return b
}

// Build assembles the client. It does not log in; call Login explicitly.
func (b *Builder) Build() (*Client, error) {
	transport := b.transport
	if transport == nil {
		var err error
		transport, err = gateway.NewTransport(gateway.TransportConfig{
			BaseURL:  fmt.Sprintf("http://%s", b.ip),
			Timeout:  b.timeout,
			ProxyURL: b.proxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}
	decoder := b.decoder
	if decoder == nil {
		decoder = gateway.NewDecoder()
	}

	session := gateway.NewSessionManager(gateway.SessionManagerConfig{
		Transport: transport,
		Decoder:   decoder,
		Username:  b.username,
		Password:  b.password,
	})
	repo := rules.NewRepository(session, decoder)
	engine := rules.NewEngine(rules.EngineConfig{
		Repository:     repo,
		Clock:          b.clock,
		VerifyAttempts: b.verifyAttempts,
		Concurrency:    b.concurrency,
	})

	return &Client{
		session: session,
		decoder: decoder,
		repo:    repo,
		engine:  engine,
	}, nil
}

// Login establishes the administrative session.
func (c *Client) Login(ctx context.Context) error {
	return c.session.Login(ctx)
}

// Logout ends the session, best effort. The client-side session is
// invalidated even when the device cannot be reached.
func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// SessionState exposes the session lifecycle state, not its tokens.
func (c *Client) SessionState() gateway.SessionState {
	return c.session.State()
}

// GatewayInfo fetches the device's descriptive record.
func (c *Client) GatewayInfo(ctx context.Context) (*gateway.GatewayInfo, error) {
	record, err := c.fetchGwInfo(ctx, gateway.KindGatewayInfo)
	if err != nil {
		return nil, err
	}
	return record.(*gateway.GatewayInfo), nil
}

// PublicIP fetches the device's current public address. The result is
// always freshly observed, never cached.
func (c *Client) PublicIP(ctx context.Context) (*gateway.PublicIPRecord, error) {
	record, err := c.fetchGwInfo(ctx, gateway.KindPublicIP)
	if err != nil {
		return nil, err
	}
	return record.(*gateway.PublicIPRecord), nil
}

func (c *Client) fetchGwInfo(ctx context.Context, kind gateway.RecordKind) (any, error) {
	resp, err := c.session.AuthenticatedCall(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   gateway.GwInfoPath,
		Query:  url.Values{"get": []string{"part"}},
	})
	if err != nil {
		return nil, err
	}
	return c.decoder.Decode(resp.Body, kind)
}

// ListRules fetches the current forwarding table.
func (c *Client) ListRules(ctx context.Context) ([]rules.ForwardingRule, error) {
	return c.repo.List(ctx)
}

// AddRule submits a new forwarding rule.
func (c *Client) AddRule(ctx context.Context, draft rules.Draft) (rules.ForwardingRule, error) {
	return c.repo.Add(ctx, draft)
}

// RemoveRule deletes a forwarding rule by id.
func (c *Client) RemoveRule(ctx context.Context, id string) error {
	return c.repo.Remove(ctx, id)
}

// SetRuleEnabled enables or disables a forwarding rule by id.
func (c *Client) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	return c.repo.SetEnabled(ctx, id, enabled)
}

// ReplaceRuleTargetIP rebinds every enabled rule from oldIP to newIP as a
// single logical transaction. See rules.Engine for the outcome semantics.
func (c *Client) ReplaceRuleTargetIP(ctx context.Context, oldIP, newIP string) (*rules.TransactionOutcome, error) {
	return c.engine.Replace(ctx, oldIP, newIP)
}
