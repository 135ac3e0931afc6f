// Package filesystem exposes a restricted slice of the local filesystem as a
// set of tools. All operations are confined to the configured root directories;
// paths resolving outside them, including through symlinks, are rejected.
package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/orbitale-io/modelctx"
)

// Server provides filesystem tools rooted at one or more allowed directories.
type Server struct {
	roots []string
}

// New creates a filesystem server. Every root must exist and be a directory;
// roots are resolved through symlinks once at construction so later containment
// checks compare real paths.
func New(roots []string) (*Server, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one root directory is required")
	}

	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		real, err := filepath.EvalSymlinks(filepath.Clean(root))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root directory %s: %w", root, err)
		}
		info, err := os.Stat(real)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root directory %s: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root is not a directory: %s", root)
		}
		abs, err := filepath.Abs(real)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, abs)
	}

	return &Server{roots: resolved}, nil
}

// Roots returns the resolved allowed directories.
func (s *Server) Roots() []string {
	return s.roots
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=Path of the file to read"`
}

type readMultipleFilesArgs struct {
	Paths []string `json:"paths" jsonschema:"description=Paths of the files to read"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=Path of the file to write"`
	Content string `json:"content" jsonschema:"description=Full content to write"`
}

type editFileArgs struct {
	Path   string          `json:"path" jsonschema:"description=Path of the file to edit"`
	Edits  []EditOperation `json:"edits" jsonschema:"description=Edits to apply in order"`
	DryRun bool            `json:"dryRun,omitempty" jsonschema:"description=Preview the diff without writing"`
}

type createDirectoryArgs struct {
	Path string `json:"path" jsonschema:"description=Directory path to create"`
}

type listDirectoryArgs struct {
	Path string `json:"path" jsonschema:"description=Directory path to list"`
}

type directoryTreeArgs struct {
	Path string `json:"path" jsonschema:"description=Directory path to walk"`
}

type moveFileArgs struct {
	Source      string `json:"source" jsonschema:"description=Path to move from"`
	Destination string `json:"destination" jsonschema:"description=Path to move to"`
}

type searchFilesArgs struct {
	Path    string   `json:"path" jsonschema:"description=Directory to search under"`
	Pattern string   `json:"pattern" jsonschema:"description=Case-insensitive substring to match against names"`
	Exclude []string `json:"exclude,omitempty" jsonschema:"description=Glob patterns for paths to skip"`
}

type getFileInfoArgs struct {
	Path string `json:"path" jsonschema:"description=Path to inspect"`
}

type noArgs struct{}

// Toolbox builds the toolbox exposing the server's operations.
func (s *Server) Toolbox() (*modelctx.Toolbox, error) {
	tb := modelctx.NewToolbox(0)

	register := []func() error{
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "read_file",
				Description: "Read the complete contents of a file. " +
					"Only works within allowed directories.",
			}, s.readFile)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "read_multiple_files",
				Description: "Read several files in one call. A failed read is reported " +
					"inline and does not stop the remaining reads. " +
					"Only works within allowed directories.",
			}, s.readMultipleFiles)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "write_file",
				Description: "Create a file or overwrite an existing one with new content. " +
					"Only works within allowed directories.",
			}, s.writeFile)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "edit_file",
				Description: "Apply line-based edits to a text file and return a git-style " +
					"diff of the changes. Set dryRun to preview without writing. " +
					"Only works within allowed directories.",
			}, s.editFile)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "create_directory",
				Description: "Create a directory, including missing parents. Succeeds " +
					"silently if it already exists. Only works within allowed directories.",
			}, s.createDirectory)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "list_directory",
				Description: "List the entries of a directory, marking each as [FILE] or " +
					"[DIR]. Only works within allowed directories.",
			}, s.listDirectory)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "directory_tree",
				Description: "Return a recursive JSON tree of files and directories. " +
					"Only works within allowed directories.",
			}, s.directoryTree)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "move_file",
				Description: "Move or rename a file or directory. Fails if the destination " +
					"exists. Both paths must be within allowed directories.",
			}, s.moveFile)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "search_files",
				Description: "Recursively search for names containing a pattern, " +
					"case-insensitively. Glob patterns in exclude skip matching paths. " +
					"Only searches within allowed directories.",
			}, s.searchFiles)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name: "get_file_info",
				Description: "Return size, timestamps, permissions, and type for a path " +
					"without reading its content. Only works within allowed directories.",
			}, s.getFileInfo)
		},
		func() error {
			return modelctx.AddTool(tb, modelctx.Tool{
				Name:        "list_allowed_directories",
				Description: "List the root directories this server may access.",
			}, s.listAllowedDirectories)
		},
	}
	for _, fn := range register {
		if err := fn(); err != nil {
			return nil, err
		}
	}

	return tb, nil
}

func textResult(text string) modelctx.CallToolResult {
	return modelctx.CallToolResult{Content: []modelctx.Content{modelctx.TextContent(text)}}
}

func errorResult(format string, args ...any) modelctx.CallToolResult {
	return modelctx.CallToolResult{
		Content: []modelctx.Content{modelctx.TextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

func (s *Server) readFile(_ context.Context, _ *modelctx.Request, args readFileArgs) (modelctx.CallToolResult, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return errorResult("failed to stat %s: %s", args.Path, err), nil
	}
	if info.IsDir() {
		return errorResult("%s is a directory, not a file", args.Path), nil
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		return errorResult("failed to read %s: %s", args.Path, err), nil
	}
	return textResult(string(bs)), nil
}

func (s *Server) readMultipleFiles(
	_ context.Context, _ *modelctx.Request, args readMultipleFilesArgs,
) (modelctx.CallToolResult, error) {
	var contents []modelctx.Content
	for _, p := range args.Paths {
		path, err := s.resolve(p)
		if err != nil {
			contents = append(contents, modelctx.TextContent(fmt.Sprintf("%s: %s", p, err)))
			continue
		}
		bs, err := os.ReadFile(path)
		if err != nil {
			contents = append(contents, modelctx.TextContent(fmt.Sprintf("%s: failed to read: %s", p, err)))
			continue
		}
		contents = append(contents, modelctx.TextContent(fmt.Sprintf("File content of %s:\n%s", p, string(bs))))
	}
	return modelctx.CallToolResult{Content: contents}, nil
}

func (s *Server) writeFile(_ context.Context, _ *modelctx.Request, args writeFileArgs) (modelctx.CallToolResult, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	if err := os.WriteFile(path, []byte(args.Content), 0600); err != nil {
		return errorResult("failed to write %s: %s", args.Path, err), nil
	}
	return textResult(fmt.Sprintf("File %s written successfully", args.Path)), nil
}

func (s *Server) editFile(_ context.Context, _ *modelctx.Request, args editFileArgs) (modelctx.CallToolResult, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	diff, err := applyFileEdits(path, args.Edits, args.DryRun)
	if err != nil {
		return errorResult("%s", err), nil
	}
	return textResult(diff), nil
}

func (s *Server) createDirectory(
	_ context.Context, _ *modelctx.Request, args createDirectoryArgs,
) (modelctx.CallToolResult, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	if err := os.MkdirAll(path, 0700); err != nil {
		return errorResult("failed to create directory %s: %s", args.Path, err), nil
	}
	return textResult(fmt.Sprintf("Directory %s created successfully", args.Path)), nil
}

func (s *Server) listDirectory(
	_ context.Context, _ *modelctx.Request, args listDirectoryArgs,
) (modelctx.CallToolResult, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return errorResult("failed to read directory %s: %s", args.Path, err), nil
	}

	var sb strings.Builder
	for _, entry := range entries {
		prefix := "[FILE]"
		if entry.IsDir() {
			prefix = "[DIR]"
		}
		fmt.Fprintf(&sb, "%s %s\n", prefix, entry.Name())
	}
	return textResult(sb.String()), nil
}

func (s *Server) directoryTree(
	_ context.Context, _ *modelctx.Request, args directoryTreeArgs,
) (modelctx.CallToolResult, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	tree, err := s.buildTree(path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	bs, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return modelctx.CallToolResult{}, err
	}
	return textResult(string(bs)), nil
}

func (s *Server) moveFile(_ context.Context, _ *modelctx.Request, args moveFileArgs) (modelctx.CallToolResult, error) {
	source, err := s.resolve(args.Source)
	if err != nil {
		return errorResult("%s", err), nil
	}
	destination, err := s.resolve(args.Destination)
	if err != nil {
		return errorResult("%s", err), nil
	}

	if _, err := os.Stat(destination); err == nil {
		return errorResult("destination already exists: %s", args.Destination), nil
	}
	if err := os.Rename(source, destination); err != nil {
		return errorResult("failed to move %s: %s", args.Source, err), nil
	}
	return textResult(fmt.Sprintf("Moved %s to %s", args.Source, args.Destination)), nil
}

func (s *Server) searchFiles(
	_ context.Context, _ *modelctx.Request, args searchFilesArgs,
) (modelctx.CallToolResult, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	matches, err := s.search(path, args.Pattern, args.Exclude)
	if err != nil {
		return errorResult("failed to search: %s", err), nil
	}
	if len(matches) == 0 {
		return textResult("No files found"), nil
	}
	return textResult(strings.Join(matches, "\n")), nil
}

func (s *Server) getFileInfo(
	_ context.Context, _ *modelctx.Request, args getFileInfoArgs,
) (modelctx.CallToolResult, error) {
	path, err := s.resolve(args.Path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return errorResult("failed to stat %s: %s", args.Path, err), nil
	}

	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	text := fmt.Sprintf("Path: %s\nType: %s\nSize: %d\nModified: %s\nPermissions: %s\n",
		args.Path, kind, info.Size(), info.ModTime().Format("2006-01-02 15:04:05"), info.Mode())
	return textResult(text), nil
}

func (s *Server) listAllowedDirectories(
	_ context.Context, _ *modelctx.Request, _ noArgs,
) (modelctx.CallToolResult, error) {
	return textResult("Allowed directories:\n" + strings.Join(s.roots, "\n")), nil
}
