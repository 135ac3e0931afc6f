package filesystem

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testServer(t *testing.T) (*Server, string) {
	t.Helper()

	root := t.TempDir()
	// TempDir may sit behind a symlink (notably on darwin), resolve it so
	// containment checks line up.
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}

	srv, err := New([]string{resolved})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, resolved
}

func TestNew(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		if _, err := New([]string{"/nonexistent/path"}); err == nil {
			t.Fatal("expected error for missing root")
		}
	})

	t.Run("root is a file", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "f.txt")
		if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := New([]string{file}); err == nil {
			t.Fatal("expected error for file root")
		}
	})

	t.Run("no roots", func(t *testing.T) {
		if _, err := New(nil); err == nil {
			t.Fatal("expected error for empty roots")
		}
	})
}

func TestReadFile(t *testing.T) {
	srv, root := testServer(t)

	path := filepath.Join(root, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0600); err != nil {
		t.Fatal(err)
	}

	res, err := srv.readFile(context.Background(), nil, readFileArgs{Path: path})
	if err != nil {
		t.Fatalf("readFile failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	if got := res.Content[0].Text; got != "hello world" {
		t.Errorf("content = %q, want %q", got, "hello world")
	}
}

func TestReadFileOutsideRoot(t *testing.T) {
	srv, _ := testServer(t)

	res, err := srv.readFile(context.Background(), nil, readFileArgs{Path: "/etc/passwd"})
	if err != nil {
		t.Fatalf("readFile failed: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected access denied tool error")
	}
	if !strings.Contains(res.Content[0].Text, "access denied") {
		t.Errorf("error text = %q, want access denied", res.Content[0].Text)
	}
}

func TestWriteAndEditFile(t *testing.T) {
	srv, root := testServer(t)
	ctx := context.Background()

	path := filepath.Join(root, "doc.txt")
	res, err := srv.writeFile(ctx, nil, writeFileArgs{Path: path, Content: "line one\nline two\n"})
	if err != nil {
		t.Fatalf("writeFile failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}

	res, err = srv.editFile(ctx, nil, editFileArgs{
		Path:  path,
		Edits: []EditOperation{{OldText: "line two", NewText: "line 2"}},
	})
	if err != nil {
		t.Fatalf("editFile failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	if !strings.Contains(res.Content[0].Text, "diff") {
		t.Errorf("expected diff output, got %q", res.Content[0].Text)
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(bs); got != "line one\nline 2\n" {
		t.Errorf("file content = %q, want %q", got, "line one\nline 2\n")
	}
}

func TestEditFileDryRun(t *testing.T) {
	srv, root := testServer(t)

	path := filepath.Join(root, "doc.txt")
	if err := os.WriteFile(path, []byte("alpha\n"), 0600); err != nil {
		t.Fatal(err)
	}

	res, err := srv.editFile(context.Background(), nil, editFileArgs{
		Path:   path,
		Edits:  []EditOperation{{OldText: "alpha", NewText: "beta"}},
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("editFile failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(bs); got != "alpha\n" {
		t.Errorf("dry run modified the file: %q", got)
	}
}

func TestApplyEdits(t *testing.T) {
	tests := []struct {
		name    string
		content string
		edits   []EditOperation
		want    string
		wantErr bool
	}{
		{
			name:    "exact match",
			content: "foo\nbar\n",
			edits:   []EditOperation{{OldText: "bar", NewText: "baz"}},
			want:    "foo\nbaz\n",
		},
		{
			name:    "loose whitespace match",
			content: "  foo\n  bar\n",
			edits:   []EditOperation{{OldText: "foo\nbar", NewText: "qux"}},
			want:    "  qux\n",
		},
		{
			name:    "windows line endings normalized",
			content: "foo\r\nbar\r\n",
			edits:   []EditOperation{{OldText: "bar", NewText: "baz"}},
			want:    "foo\nbaz\n",
		},
		{
			name:    "no match",
			content: "foo\n",
			edits:   []EditOperation{{OldText: "missing", NewText: "x"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyEdits(tt.content, tt.edits)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("applyEdits failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("applyEdits = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestListDirectory(t *testing.T) {
	srv, root := testServer(t)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0700); err != nil {
		t.Fatal(err)
	}

	res, err := srv.listDirectory(context.Background(), nil, listDirectoryArgs{Path: root})
	if err != nil {
		t.Fatalf("listDirectory failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}

	text := res.Content[0].Text
	if !strings.Contains(text, "[FILE] a.txt") {
		t.Errorf("listing missing file entry: %q", text)
	}
	if !strings.Contains(text, "[DIR] sub") {
		t.Errorf("listing missing dir entry: %q", text)
	}
}

func TestDirectoryTree(t *testing.T) {
	srv, root := testServer(t)

	if err := os.MkdirAll(filepath.Join(root, "sub", "deep"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "f.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	res, err := srv.directoryTree(context.Background(), nil, directoryTreeArgs{Path: root})
	if err != nil {
		t.Fatalf("directoryTree failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}

	var tree []treeEntry
	if err := json.Unmarshal([]byte(res.Content[0].Text), &tree); err != nil {
		t.Fatalf("tree output is not valid JSON: %v", err)
	}
	if len(tree) != 1 || tree[0].Name != "sub" || tree[0].Type != "directory" {
		t.Fatalf("unexpected tree root: %+v", tree)
	}
	if len(tree[0].Children) != 2 {
		t.Errorf("sub children = %d, want 2", len(tree[0].Children))
	}
}

func TestMoveFile(t *testing.T) {
	srv, root := testServer(t)
	ctx := context.Background()

	src := filepath.Join(root, "src.txt")
	dst := filepath.Join(root, "dst.txt")
	if err := os.WriteFile(src, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	res, err := srv.moveFile(ctx, nil, moveFileArgs{Source: src, Destination: dst})
	if err != nil {
		t.Fatalf("moveFile failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("destination missing after move: %v", err)
	}

	// Destination exists now, a second move must refuse.
	if err := os.WriteFile(src, []byte("y"), 0600); err != nil {
		t.Fatal(err)
	}
	res, err = srv.moveFile(ctx, nil, moveFileArgs{Source: src, Destination: dst})
	if err != nil {
		t.Fatalf("moveFile failed: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for existing destination")
	}
}

func TestSearchFiles(t *testing.T) {
	srv, root := testServer(t)

	if err := os.MkdirAll(filepath.Join(root, "sub", "node_modules"), 0700); err != nil {
		t.Fatal(err)
	}
	files := []string{
		filepath.Join(root, "report.txt"),
		filepath.Join(root, "sub", "report-final.txt"),
		filepath.Join(root, "sub", "node_modules", "report.js"),
		filepath.Join(root, "other.txt"),
	}
	for _, f := range files {
		if err := os.WriteFile(f, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	res, err := srv.searchFiles(context.Background(), nil, searchFilesArgs{
		Path:    root,
		Pattern: "report",
		Exclude: []string{"node_modules"},
	})
	if err != nil {
		t.Fatalf("searchFiles failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}

	text := res.Content[0].Text
	if !strings.Contains(text, "report.txt") || !strings.Contains(text, "report-final.txt") {
		t.Errorf("search missing expected matches: %q", text)
	}
	if strings.Contains(text, "node_modules") {
		t.Errorf("search returned excluded path: %q", text)
	}
	if strings.Contains(text, "other.txt") {
		t.Errorf("search returned non-matching path: %q", text)
	}
}

func TestToolboxLists(t *testing.T) {
	srv, _ := testServer(t)

	tb, err := srv.Toolbox()
	if err != nil {
		t.Fatalf("failed to build toolbox: %v", err)
	}

	table := tb.Table()
	if table == nil {
		t.Fatal("expected a table")
	}
}
