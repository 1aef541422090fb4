// Package file provides workspace-sandboxed file tools, including
// watch_file, which turns a file into a subscribed resource: the agent is
// re-invoked whenever the file changes.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nevindra/confluence"
	"github.com/nevindra/confluence/filewatch"
)

// maxReadChars bounds read_file output.
const maxReadChars = 8000

// Option configures a Tool.
type Option func(*Tool)

// WithUnsubscribe sets the function unwatch_file uses to end a
// conversation's subscription, typically (*confluence.Agent).Unsubscribe.
// Without it, unwatch_file reports an error.
func WithUnsubscribe(fn func(conversationID, uri string)) Option {
	return func(t *Tool) { t.unsubscribe = fn }
}

// Tool provides file read/write/watch within a sandboxed workspace.
type Tool struct {
	workspacePath string
	unsubscribe   func(conversationID, uri string)
}

var _ confluence.Tool = (*Tool)(nil)

// New creates a file tool restricted to workspacePath.
func New(workspacePath string, opts ...Option) *Tool {
	t := &Tool{workspacePath: filepath.Clean(workspacePath)}
	for _, o := range opts {
		o(t)
	}
	return t
}

var pathSchema = `{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`

func (t *Tool) Definitions() []confluence.ToolDefinition {
	return []confluence.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large).",
			Parameters:  json.RawMessage(pathSchema),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the workspace. Creates parent directories if needed.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		},
		{
			Name:        "list_files",
			Description: "List a workspace directory. One entry per line: kind, tab, name.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory relative to workspace, default root"}}}`),
		},
		{
			Name:        "watch_file",
			Description: "Watch a workspace file. You will be re-invoked with a note each time it is created, changed or removed.",
			Parameters:  json.RawMessage(pathSchema),
		},
		{
			Name:        "unwatch_file",
			Description: "Stop watching a workspace file.",
			Parameters:  json.RawMessage(pathSchema),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (confluence.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return confluence.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}
	if name == "list_files" && params.Path == "" {
		params.Path = "."
	}

	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return confluence.ToolResult{Error: err.Error()}, nil
	}

	switch name {
	case "read_file":
		return t.read(resolved)
	case "write_file":
		return t.write(resolved, params.Content)
	case "list_files":
		return t.list(resolved)
	case "watch_file":
		return t.watch(resolved)
	case "unwatch_file":
		return t.unwatch(ctx, resolved)
	default:
		return confluence.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

func (t *Tool) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, path)
	// Double-check it's still within workspace
	if resolved != t.workspacePath && !strings.HasPrefix(resolved, t.workspacePath+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (confluence.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return confluence.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n... (truncated)"
	}
	return confluence.ToolResult{Content: content}, nil
}

func (t *Tool) write(path, content string) (confluence.ToolResult, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return confluence.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return confluence.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return confluence.ToolResult{Content: fmt.Sprintf("Written %d bytes to %s", len(content), filepath.Base(path))}, nil
}

func (t *Tool) list(path string) (confluence.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return confluence.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	var b strings.Builder
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		fmt.Fprintf(&b, "%s\t%s\n", kind, e.Name())
	}
	return confluence.ToolResult{Content: b.String()}, nil
}

func (t *Tool) watch(path string) (confluence.ToolResult, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return confluence.ToolResult{Error: "cannot watch a directory: " + filepath.Base(path)}, nil
	}
	uri, err := filewatch.URI(path)
	if err != nil {
		return confluence.ToolResult{Error: "watch error: " + err.Error()}, nil
	}
	return confluence.ToolResult{
		Content:     fmt.Sprintf("Watching %s. Changes will be reported as they happen.", filepath.Base(path)),
		ResourceURI: uri,
	}, nil
}

func (t *Tool) unwatch(ctx context.Context, path string) (confluence.ToolResult, error) {
	conv, ok := confluence.ConversationFromContext(ctx)
	if !ok || t.unsubscribe == nil {
		return confluence.ToolResult{Error: "unwatch_file is not available here"}, nil
	}
	uri, err := filewatch.URI(path)
	if err != nil {
		return confluence.ToolResult{Error: "unwatch error: " + err.Error()}, nil
	}
	t.unsubscribe(conv, uri)
	return confluence.ToolResult{Content: fmt.Sprintf("Stopped watching %s.", filepath.Base(path))}, nil
}
