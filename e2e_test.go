package modelctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

type addArgs struct {
	A int `json:"a" jsonschema:"description=First addend"`
	B int `json:"b" jsonschema:"description=Second addend"`
}

// stdioPair wires a server and a client transport together through in-process
// pipes, the way a parent process talks to a spawned child.
func stdioPair() (server StdIO, client StdIO) {
	srvReader, srvWriter := io.Pipe()
	cliReader, cliWriter := io.Pipe()

	server = NewStdIO(srvReader, cliWriter)
	client = NewStdIO(cliReader, srvWriter)
	return server, client
}

func calculatorServer(t *testing.T) *Server {
	t.Helper()

	tb := NewToolbox(0)
	if err := AddTool(tb, Tool{Name: "add", Description: "Add two integers"},
		func(_ context.Context, _ *Request, args addArgs) (CallToolResult, error) {
			return CallToolResult{
				Content: []Content{TextContent(fmt.Sprintf("%d", args.A+args.B))},
			}, nil
		}); err != nil {
		t.Fatal(err)
	}

	rs := NewResourceSet(0)
	rs.RegisterStaticResource(
		Resource{URI: "mem://motd", Name: "motd", MimeType: "text/plain"},
		ResourceContents{URI: "mem://motd", MimeType: "text/plain", Text: "welcome"},
	)

	ps := NewPromptSet(0)
	ps.RegisterPrompt(Prompt{Name: "sum-request"},
		func(context.Context, *Request, map[string]string) (GetPromptResult, error) {
			return GetPromptResult{
				Messages: []PromptMessage{{Role: RoleUser, Content: TextContent("Please add the numbers.")}},
			}, nil
		})

	srv, err := NewServer(Info{Name: "calculator", Version: "1.0"},
		WithToolbox(tb),
		WithResources(rs),
		WithPrompts(ps),
		WithInstructions("A calculator for integers."),
	)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func TestEndToEndOverStdIO(t *testing.T) {
	srvIO, cliIO := stdioPair()
	srv := calculatorServer(t)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(srvIO)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := Connect(ctx, cliIO, Info{Name: "e2e-client", Version: "1.0"})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cli.Close()

	if got := cli.ServerInfo().Name; got != "calculator" {
		t.Errorf("server name = %q, want calculator", got)
	}
	caps := cli.ServerCapabilities()
	if caps.Tools == nil || caps.Resources == nil || caps.Prompts == nil {
		t.Fatalf("missing advertised capabilities: %+v", caps)
	}

	tools, err := cli.ListTools(ctx, ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools failed: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "add" {
		t.Fatalf("unexpected tools: %+v", tools.Tools)
	}
	if tools.Tools[0].InputSchema == nil {
		t.Error("add tool has no input schema")
	}

	res, err := cli.CallTool(ctx, CallToolParams{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":2,"b":3}`),
	})
	if err != nil {
		t.Fatalf("call tool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	if got := res.Content[0].Text; got != "5" {
		t.Errorf("add result = %q, want 5", got)
	}

	resources, err := cli.ListResources(ctx, ListResourcesParams{})
	if err != nil {
		t.Fatalf("list resources failed: %v", err)
	}
	if len(resources.Resources) != 1 {
		t.Fatalf("unexpected resources: %+v", resources.Resources)
	}
	read, err := cli.ReadResource(ctx, ReadResourceParams{URI: "mem://motd"})
	if err != nil {
		t.Fatalf("read resource failed: %v", err)
	}
	if read.Contents[0].Text != "welcome" {
		t.Errorf("resource text = %q, want welcome", read.Contents[0].Text)
	}

	prompt, err := cli.GetPrompt(ctx, GetPromptParams{Name: "sum-request"})
	if err != nil {
		t.Fatalf("get prompt failed: %v", err)
	}
	if len(prompt.Messages) != 1 {
		t.Fatalf("unexpected prompt messages: %+v", prompt.Messages)
	}

	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	if err := cli.Shutdown(ctx); err != nil {
		t.Fatalf("client shutdown failed: %v", err)
	}

	sCtx, sCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sCancel()
	if err := srv.Shutdown(sCtx, srvIO); err != nil {
		t.Fatalf("server shutdown failed: %v", err)
	}

	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop never exited")
	}
}

func TestClientCapabilityGating(t *testing.T) {
	tb := NewToolbox(0)
	if err := AddTool(tb, Tool{Name: "noop"},
		func(context.Context, *Request, struct{}) (CallToolResult, error) {
			return CallToolResult{}, nil
		}); err != nil {
		t.Fatal(err)
	}

	// Tools only; resources and prompts are not advertised.
	srv, err := NewServer(Info{Name: "tools-only", Version: "1.0"}, WithToolbox(tb))
	if err != nil {
		t.Fatal(err)
	}

	srvIO, cliIO := stdioPair()
	go func() { _ = srv.Serve(srvIO) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := Connect(ctx, cliIO, Info{Name: "gated-client", Version: "1.0"})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cli.Close()

	if _, err := cli.ListTools(ctx, ListToolsParams{}); err != nil {
		t.Errorf("list tools failed: %v", err)
	}
	if _, err := cli.ListResources(ctx, ListResourcesParams{}); !errors.Is(err, ErrUnsupportedCapability) {
		t.Errorf("list resources err = %v, want ErrUnsupportedCapability", err)
	}
	if _, err := cli.ListPrompts(ctx, ListPromptsParams{}); !errors.Is(err, ErrUnsupportedCapability) {
		t.Errorf("list prompts err = %v, want ErrUnsupportedCapability", err)
	}
}

func TestServerRootsRoundTrip(t *testing.T) {
	tb := NewToolbox(0)
	rootsSeen := make(chan []Root, 1)
	if err := AddTool(tb, Tool{Name: "inspect_roots"},
		func(ctx context.Context, req *Request, _ struct{}) (CallToolResult, error) {
			raw, err := req.Peer.Call(ctx, MethodRootsList, nil)
			if err != nil {
				return CallToolResult{}, err
			}
			var list RootList
			if err := json.Unmarshal(raw, &list); err != nil {
				return CallToolResult{}, err
			}
			rootsSeen <- list.Roots
			return CallToolResult{Content: []Content{TextContent("ok")}}, nil
		}); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(Info{Name: "roots-server", Version: "1.0"}, WithToolbox(tb))
	if err != nil {
		t.Fatal(err)
	}

	srvIO, cliIO := stdioPair()
	go func() { _ = srv.Serve(srvIO) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := Connect(ctx, cliIO, Info{Name: "roots-client", Version: "1.0"},
		WithRootsProvider(func(context.Context) ([]Root, error) {
			return []Root{{URI: "file:///workspace", Name: "workspace"}}, nil
		}))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cli.Close()

	if _, err := cli.CallTool(ctx, CallToolParams{Name: "inspect_roots"}); err != nil {
		t.Fatalf("call tool failed: %v", err)
	}

	select {
	case roots := <-rootsSeen:
		if len(roots) != 1 || roots[0].URI != "file:///workspace" {
			t.Errorf("unexpected roots: %+v", roots)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received roots")
	}
}
