package modelctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamHTTPServer(t *testing.T, options ...StreamHTTPOption) (*StreamHTTP, *httptest.Server) {
	t.Helper()

	transport := NewStreamHTTP(options...)

	tb := NewToolbox(0)
	require.NoError(t, AddTool(tb, Tool{Name: "add", Description: "Add two integers"},
		func(_ context.Context, _ *Request, args addArgs) (CallToolResult, error) {
			return CallToolResult{
				Content: []Content{TextContent(strconv.Itoa(args.A + args.B))},
			}, nil
		}))

	srv, err := NewServer(Info{Name: "stream-server", Version: "1.0"}, WithToolbox(tb))
	require.NoError(t, err)

	go func() { _ = srv.Serve(transport) }()

	ts := httptest.NewServer(transport)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx, transport)
	})
	return transport, ts
}

func TestStreamHTTPStatefulRoundTrip(t *testing.T) {
	_, ts := streamHTTPServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := Connect(ctx, NewStreamHTTPClient(ts.URL, nil),
		Info{Name: "stream-client", Version: "1.0"})
	require.NoError(t, err)
	defer cli.Close()

	assert.Equal(t, "stream-server", cli.ServerInfo().Name)

	tools, err := cli.ListTools(ctx, ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "add", tools.Tools[0].Name)

	res, err := cli.CallTool(ctx, CallToolParams{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":4,"b":6}`),
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "10", res.Content[0].Text)
}

func TestStreamHTTPPostWithoutSessionRejected(t *testing.T) {
	_, ts := streamHTTPServer(t)

	// A non-initialize POST without a session header is refused.
	body := []byte(`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`)
	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamHTTPUnknownSession(t *testing.T) {
	_, ts := streamHTTPServer(t)

	body := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(HeaderSessionID, "no-such-session")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamHTTPDeleteEndsSession(t *testing.T) {
	transport, ts := streamHTTPServer(t)

	params, err := json.Marshal(initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      Info{Name: "raw-client", Version: "1"},
	})
	require.NoError(t, err)
	frame, err := json.Marshal(Message{
		JSONRPC: JSONRPCVersion,
		ID:      "1",
		Method:  methodInitialize,
		Params:  params,
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(frame))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sessID := resp.Header.Get(HeaderSessionID)
	require.NotEmpty(t, sessID)
	assert.Equal(t, 1, transport.manager.Len())

	req, err := http.NewRequest(http.MethodDelete, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set(HeaderSessionID, sessID)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The peer notices end-of-stream and releases the session.
	require.Eventually(t, func() bool {
		return transport.manager.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamHTTPStatelessRejectsStreamAndDelete(t *testing.T) {
	_, ts := streamHTTPServer(t, WithStateless())

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, ts.URL, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStreamHTTPStatelessCall(t *testing.T) {
	_, ts := streamHTTPServer(t, WithStateless())

	// One self-contained POST; the transport performs the handshake on the
	// caller's behalf.
	frame := []byte(`{"jsonrpc":"2.0","id":"42","method":"tools/call",` +
		`"params":{"name":"add","arguments":{"a":20,"b":22}}}`)
	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(frame))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	require.Nil(t, msg.Error)
	assert.Equal(t, RequestID("42"), msg.ID)

	var result CallToolResult
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "42", result.Content[0].Text)
}

func TestStreamHTTPStatelessInitialize(t *testing.T) {
	_, ts := streamHTTPServer(t, WithStateless())

	params, err := json.Marshal(initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      Info{Name: "stateless-client", Version: "1"},
	})
	require.NoError(t, err)
	frame, err := json.Marshal(Message{
		JSONRPC: JSONRPCVersion,
		ID:      "1",
		Method:  methodInitialize,
		Params:  params,
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(frame))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	require.Nil(t, msg.Error)

	var result initializeResult
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, "stream-server", result.ServerInfo.Name)
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
}

// noFlushWriter hides the Flusher so the SSE upgrade fails.
type noFlushWriter struct{ http.ResponseWriter }

func TestStreamHTTPStreamUpgradeFailure(t *testing.T) {
	transport, ts := streamHTTPServer(t)

	params, err := json.Marshal(initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      Info{Name: "raw-client", Version: "1"},
	})
	require.NoError(t, err)
	frame, err := json.Marshal(Message{
		JSONRPC: JSONRPCVersion,
		ID:      "1",
		Method:  methodInitialize,
		Params:  params,
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(frame))
	require.NoError(t, err)
	resp.Body.Close()
	sessID := resp.Header.Get(HeaderSessionID)
	require.NotEmpty(t, sessID)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderSessionID, sessID)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	transport.ServeHTTP(noFlushWriter{rec}, req)

	// The failed upgrade must not be followed by a second write to the
	// response.
	assert.Empty(t, rec.Body.String())

	// The stream claim is released so a later GET can attach.
	sess, ok := transport.manager.Get(sessID)
	require.True(t, ok)
	assert.True(t, sess.claimStream())
	sess.releaseStream()
}

func TestSessionManager(t *testing.T) {
	m := NewSessionManager()
	assert.Equal(t, 0, m.Len())

	sess := newStreamSession(slog.Default())
	m.Add(sess)
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get(sess.id)
	require.True(t, ok)
	assert.Same(t, sess, got)

	assert.True(t, m.Remove(sess.id))
	assert.False(t, m.Remove(sess.id))
	_, ok = m.Get(sess.id)
	assert.False(t, ok)
}
