package modelctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnsupportedCapability reports that the remote side did not advertise the
// capability a request depends on, so the request was never sent.
var ErrUnsupportedCapability = errors.New("capability not advertised by remote")

// ClientOption configures a Client.
type ClientOption func(*Client)

// RootsProvider supplies the roots a client grants the server access to.
type RootsProvider func(ctx context.Context) ([]Root, error)

// SamplingHandler fulfills sampling/createMessage requests arriving from the
// server.
type SamplingHandler func(ctx context.Context, params SamplingParams) (SamplingResult, error)

// Client connects to a server over a ClientTransport and exposes the negotiated
// capabilities as a typed API. Requests for a capability the server did not
// advertise fail locally with ErrUnsupportedCapability.
type Client struct {
	info   Info
	logger *slog.Logger

	rootsProvider   RootsProvider
	samplingHandler SamplingHandler
	progressHandler func(ProgressParams)

	pingInterval time.Duration
	sendTimeout  time.Duration

	peer *Peer
}

// WithClientLogger sets the logger for the client and its peer.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRootsProvider enables the roots capability, serving roots/list requests
// from the given provider.
func WithRootsProvider(provider RootsProvider) ClientOption {
	return func(c *Client) {
		c.rootsProvider = provider
	}
}

// WithSamplingHandler enables the sampling capability, serving
// sampling/createMessage requests with the given handler.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithProgressHandler sets the callback invoked for progress notifications from
// the server.
func WithProgressHandler(handler func(ProgressParams)) ClientOption {
	return func(c *Client) {
		c.progressHandler = handler
	}
}

// WithClientPingInterval enables keep-alive pings on the session.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientSendTimeout bounds outbound frame writes.
func WithClientSendTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.sendTimeout = timeout
	}
}

// Connect starts a session on the transport, performs the initialize handshake,
// and returns a running client. The caller owns the client and must Close it.
func Connect(ctx context.Context, transport ClientTransport, info Info, options ...ClientOption) (*Client, error) {
	c := &Client{
		info:   info,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	router, err := c.buildRouter()
	if err != nil {
		return nil, err
	}

	sess, err := transport.StartSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	opts := []PeerOption{
		WithPeerLogger(c.logger),
		WithPeerInfo(info),
		WithPeerClientCapabilities(c.capabilities()),
	}
	if c.pingInterval > 0 {
		opts = append(opts, WithPeerPingInterval(c.pingInterval))
	}
	if c.sendTimeout > 0 {
		opts = append(opts, WithPeerSendTimeout(c.sendTimeout))
	}
	if c.progressHandler != nil {
		opts = append(opts, WithPeerProgressHandler(c.progressHandler))
	}

	c.peer = NewPeer(PeerRoleClient, sess, router, opts...)
	if err := c.peer.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) capabilities() ClientCapabilities {
	caps := ClientCapabilities{}
	if c.rootsProvider != nil {
		caps.Roots = &RootsCapability{ListChanged: true}
	}
	if c.samplingHandler != nil {
		caps.Sampling = &SamplingCapability{}
	}
	return caps
}

func (c *Client) buildRouter() (*Router, error) {
	t := NewTable()
	if c.rootsProvider != nil {
		err := t.Register(Entry{
			Method: MethodRootsList,
			Handler: func(ctx context.Context, _ *Request) (any, error) {
				roots, err := c.rootsProvider(ctx)
				if err != nil {
					return nil, err
				}
				return RootList{Roots: roots}, nil
			},
		})
		if err != nil {
			return nil, err
		}
	}
	if c.samplingHandler != nil {
		err := t.Register(Entry{
			Method: MethodSamplingCreateMessage,
			Handler: Typed(func(ctx context.Context, _ *Request, params SamplingParams) (any, error) {
				return c.samplingHandler(ctx, params)
			}),
		})
		if err != nil {
			return nil, err
		}
	}
	return NewRouter(t)
}

// Peer exposes the underlying session peer for advanced use such as watching
// Faults or Done.
func (c *Client) Peer() *Peer {
	return c.peer
}

// ServerInfo returns the identity the server presented during the handshake.
func (c *Client) ServerInfo() Info {
	return c.peer.RemoteInfo()
}

// ServerCapabilities returns the capabilities the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.peer.RemoteServerCapabilities()
}

// Ping issues a keep-alive request.
func (c *Client) Ping(ctx context.Context) error {
	return c.peer.Ping(ctx)
}

// ListTools retrieves one page of the server's tools.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	if c.ServerCapabilities().Tools == nil {
		return result, fmt.Errorf("tools: %w", ErrUnsupportedCapability)
	}
	err := c.call(ctx, MethodToolsList, params, &result)
	return result, err
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	if c.ServerCapabilities().Tools == nil {
		return result, fmt.Errorf("tools: %w", ErrUnsupportedCapability)
	}
	err := c.call(ctx, MethodToolsCall, params, &result)
	return result, err
}

// ListResources retrieves one page of the server's resources.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	if c.ServerCapabilities().Resources == nil {
		return result, fmt.Errorf("resources: %w", ErrUnsupportedCapability)
	}
	err := c.call(ctx, MethodResourcesList, params, &result)
	return result, err
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	if c.ServerCapabilities().Resources == nil {
		return result, fmt.Errorf("resources: %w", ErrUnsupportedCapability)
	}
	err := c.call(ctx, MethodResourcesRead, params, &result)
	return result, err
}

// ListPrompts retrieves one page of the server's prompts.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	var result ListPromptsResult
	if c.ServerCapabilities().Prompts == nil {
		return result, fmt.Errorf("prompts: %w", ErrUnsupportedCapability)
	}
	err := c.call(ctx, MethodPromptsList, params, &result)
	return result, err
}

// GetPrompt expands a prompt by name.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	if c.ServerCapabilities().Prompts == nil {
		return result, fmt.Errorf("prompts: %w", ErrUnsupportedCapability)
	}
	err := c.call(ctx, MethodPromptsGet, params, &result)
	return result, err
}

// NotifyRootsChanged tells the server the client's root list changed.
func (c *Client) NotifyRootsChanged(ctx context.Context) error {
	return c.peer.Notify(ctx, MethodNotificationsRootsListChanged, nil)
}

// Wait blocks until the session ends and reports why.
func (c *Client) Wait() QuitReason {
	return c.peer.Wait()
}

// Shutdown drains pending requests within the context deadline, then closes.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.peer.Shutdown(ctx)
}

// Close terminates the session immediately.
func (c *Client) Close() {
	c.peer.Close()
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	raw, err := c.peer.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}
