// Package builtin is the default ToolBackend: local file tools. It trusts its
// arguments; confinement happens in the sandbox before a call arrives here.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentoverseer/overseer/internal/tool"
)

// Tool names.
const (
	FileRead  = "file_read"
	FileWrite = "file_write"
	FileList  = "file_list"
)

// maxReadBytes bounds what file_read returns.
const maxReadBytes = 64 * 1024

var specs = []tool.Spec{
	{
		Name:        FileRead,
		Description: "Read a UTF-8 text file.",
		Schema: json.RawMessage(`{
  "type": "object",
  "properties": {"path": {"type": "string", "minLength": 1}},
  "required": ["path"],
  "additionalProperties": false
}`),
	},
	{
		Name:        FileWrite,
		Description: "Write text to a file, creating parent directories. Set append to add to the end.",
		Schema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "content": {"type": "string"},
    "append": {"type": "boolean"}
  },
  "required": ["path", "content"],
  "additionalProperties": false
}`),
	},
	{
		Name:        FileList,
		Description: "List the entries of a directory.",
		Schema: json.RawMessage(`{
  "type": "object",
  "properties": {"path": {"type": "string", "minLength": 1}},
  "required": ["path"],
  "additionalProperties": false
}`),
	},
}

// Files implements file_read, file_write and file_list.
type Files struct {
	logger *slog.Logger
}

// New creates the file tool backend.
func New(logger *slog.Logger) *Files {
	if logger == nil {
		logger = slog.Default()
	}
	return &Files{logger: logger.With("component", "builtin.Files")}
}

// ListTools returns the declared tools.
func (f *Files) ListTools(_ context.Context) ([]tool.Spec, error) {
	return append([]tool.Spec(nil), specs...), nil
}

// Execute runs one call. Failures are reported in Result.Error with a nil
// error; a non-nil error means the tool is unknown.
func (f *Files) Execute(ctx context.Context, call tool.Call) (tool.Result, error) {
	start := time.Now()
	res := tool.Result{Tool: call.Tool, Args: call.Args}
	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res, nil
	}

	var err error
	switch call.Tool {
	case FileRead:
		res.Payload, res.Incomplete, err = f.read(call.Args)
	case FileWrite:
		res.Payload, err = f.write(call.Args)
	case FileList:
		res.Payload, err = f.list(call.Args)
	default:
		return res, fmt.Errorf("unknown tool %q", call.Tool)
	}
	if err != nil {
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	f.logger.Debug("tool executed", "tool", call.Tool, "duration", res.Duration, "error", res.Error)
	return res, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func (f *Files) read(args map[string]any) (string, bool, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", false, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer fh.Close()

	data, err := io.ReadAll(io.LimitReader(fh, maxReadBytes+1))
	if err != nil {
		return "", false, err
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]), true, nil
	}
	return string(data), false, nil
}

func (f *Files) write(args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", "content")
	}
	appendMode, _ := args["append"].(bool)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	fh, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return "", err
	}
	n, werr := fh.WriteString(content)
	if cerr := fh.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", werr
	}
	return fmt.Sprintf("wrote %d bytes to %s", n, path), nil
}

func (f *Files) list(args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
