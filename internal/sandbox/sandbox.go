// Package sandbox confines path-bearing tool arguments to a single output
// root.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/tool"
)

// PathEscapeError reports a path argument that cannot be confined.
type PathEscapeError struct {
	Tool   string
	Key    string
	Path   string
	Reason string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("%s: argument %q path %q escapes sandbox: %s", e.Tool, e.Key, e.Path, e.Reason)
}

// Sandbox rewrites path arguments so file effects land under Root. It holds
// no mutable state; Confine is a pure function of the call and the config.
type Sandbox struct {
	root      string
	home      string
	readable  []string
	pathKeys  map[string]bool
	readTools map[string]bool
}

// New builds a Sandbox. Relative readable entries resolve against workDir;
// the entry "output" means the output root itself.
func New(cfg config.SandboxConfig, workDir string) (*Sandbox, error) {
	if cfg.OutputRoot == "" {
		return nil, fmt.Errorf("sandbox output root is required")
	}
	home, _ := os.UserHomeDir()
	root, err := filepath.Abs(expandHome(home, cfg.OutputRoot))
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve working dir: %w", err)
		}
	}

	sb := &Sandbox{
		root:      filepath.Clean(root),
		home:      home,
		pathKeys:  make(map[string]bool, len(cfg.PathKeys)),
		readTools: make(map[string]bool, len(cfg.ReadTools)),
	}
	for _, k := range cfg.PathKeys {
		sb.pathKeys[k] = true
	}
	for _, t := range cfg.ReadTools {
		sb.readTools[t] = true
	}
	for _, entry := range cfg.ReadablePaths {
		switch {
		case entry == "output" || entry == "output/":
			sb.readable = append(sb.readable, sb.root)
		case filepath.IsAbs(expandHome(home, entry)):
			sb.readable = append(sb.readable, filepath.Clean(expandHome(home, entry)))
		default:
			sb.readable = append(sb.readable, filepath.Clean(filepath.Join(workDir, entry)))
		}
	}
	return sb, nil
}

// Root returns the absolute output root.
func (s *Sandbox) Root() string { return s.root }

// IsPathKey reports whether an argument name is treated as a path.
func (s *Sandbox) IsPathKey(key string) bool { return s.pathKeys[key] }

// Confine returns a copy of call with every path argument rooted under the
// output root. Absolute paths already under the root are kept; absolute paths
// under a readable root are kept for read tools only. Anything else absolute,
// or a relative path escaping via "..", is a *PathEscapeError.
func (s *Sandbox) Confine(call tool.Call) (tool.Call, error) {
	out := call.Clone()
	for key, v := range call.Args {
		if !s.pathKeys[key] {
			continue
		}
		p, ok := v.(string)
		if !ok || strings.TrimSpace(p) == "" {
			continue
		}
		confined, err := s.confinePath(call.Tool, key, p)
		if err != nil {
			return call, err
		}
		out.Args[key] = confined
	}
	return out, nil
}

// Reroot is the fallback for a call a human approved despite a path escape:
// every path argument that Confine rejects is replaced by its base name under
// the output root, so the effect still lands inside the sandbox.
func (s *Sandbox) Reroot(call tool.Call) tool.Call {
	out := call.Clone()
	for key, v := range call.Args {
		if !s.pathKeys[key] {
			continue
		}
		p, ok := v.(string)
		if !ok || strings.TrimSpace(p) == "" {
			continue
		}
		confined, err := s.confinePath(call.Tool, key, p)
		if err != nil {
			base := filepath.Base(filepath.Clean(p))
			if base == ".." || base == "." || base == string(filepath.Separator) {
				base = "unnamed"
			}
			confined = filepath.Join(s.root, base)
		}
		out.Args[key] = confined
	}
	return out
}

func (s *Sandbox) confinePath(toolName, key, p string) (string, error) {
	p = expandHome(s.home, p)
	if filepath.IsAbs(p) {
		clean := filepath.Clean(p)
		if within(s.root, clean) {
			return clean, nil
		}
		if s.readTools[toolName] && s.IsReadable(clean) {
			return clean, nil
		}
		return "", &PathEscapeError{Tool: toolName, Key: key, Path: p, Reason: "absolute path outside output root"}
	}

	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &PathEscapeError{Tool: toolName, Key: key, Path: p, Reason: "relative path escapes via .."}
	}
	return filepath.Join(s.root, clean), nil
}

// IsReadable reports whether path lies under the output root or any readable
// allow-list root.
func (s *Sandbox) IsReadable(path string) bool {
	abs, err := filepath.Abs(expandHome(s.home, path))
	if err != nil {
		return false
	}
	if within(s.root, abs) {
		return true
	}
	for _, r := range s.readable {
		if within(r, abs) {
			return true
		}
	}
	return false
}

func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// expandHome resolves a leading "~" against home. An empty home leaves p as is.
func expandHome(home, p string) string {
	if home != "" && (p == "~" || strings.HasPrefix(p, "~/")) {
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
