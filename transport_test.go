package modelctx

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// transportRoundTrip runs the calculator server over the given transport pair
// and exercises the full handshake-list-call flow.
func transportRoundTrip(t *testing.T, serverTransport ServerTransport, clientTransport ClientTransport) {
	t.Helper()

	srv := calculatorServer(t)
	go func() { _ = srv.Serve(serverTransport) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx, serverTransport)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := Connect(ctx, clientTransport, Info{Name: "transport-client", Version: "1.0"})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cli.Close()

	if got := cli.ServerInfo().Name; got != "calculator" {
		t.Errorf("server name = %q, want calculator", got)
	}

	res, err := cli.CallTool(ctx, CallToolParams{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":7,"b":8}`),
	})
	if err != nil {
		t.Fatalf("call tool failed: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "15" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSocketTransportRoundTrip(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	transportRoundTrip(t,
		NewSocketServer(listener),
		NewSocketClient("tcp", listener.Addr().String()))
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	wsSrv := NewWSServer()
	ts := httptest.NewServer(wsSrv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	transportRoundTrip(t, wsSrv, NewWSClient(wsURL, nil))
}

func TestSSETransportRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	sseSrv := NewSSEServer(ts.URL + "/message")
	mux.Handle("/sse", sseSrv.HandleSSE())
	mux.Handle("/message", sseSrv.HandleMessage())

	transportRoundTrip(t, sseSrv, NewSSEClient(ts.URL+"/sse", nil))
}
