// Package workspace canonicalises caller-supplied paths against a sandbox
// root and rejects escapes. Every filesystem and shell tool resolves paths
// through this package on every call; results are never cached.
package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hostbridge/hostbridge/pkg/apperr"
)

// Resolver guards a single sandbox root.
type Resolver struct {
	baseDir string
	logger  *slog.Logger
}

// DiskUsage is the disk usage triple for the sandbox volume.
type DiskUsage struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// Info describes the workspace root and its volume.
type Info struct {
	BaseDir   string    `json:"default_workspace"`
	DiskUsage DiskUsage `json:"disk_usage"`
}

// New canonicalises baseDir once (creating it if absent) and returns a
// Resolver rooted there.
func New(baseDir string, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "creating workspace dir %s", baseDir)
	}
	canonical, err := filepath.EvalSymlinks(baseDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "canonicalising workspace dir %s", baseDir)
	}
	canonical, err = filepath.Abs(canonical)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "resolving workspace dir %s", baseDir)
	}
	logger.Info("workspace_initialized", "base_dir", canonical)
	return &Resolver{baseDir: canonical, logger: logger}, nil
}

// BaseDir returns the canonical sandbox root.
func (r *Resolver) BaseDir() string {
	return r.baseDir
}

// Resolve canonicalises userPath against the sandbox. When overrideRoot is
// non-empty it must itself resolve to a descendant of the base dir and
// becomes the effective root. Relative paths are joined with the effective
// root; absolute paths are canonicalised as-is. The result must stay inside
// the effective root or the call fails with a security error. Symlinks are
// followed, so a link whose target escapes the root is rejected.
func (r *Resolver) Resolve(userPath, overrideRoot string) (string, error) {
	if strings.ContainsRune(userPath, 0) {
		return "", apperr.New(apperr.KindInvalidParam, "path contains null bytes")
	}

	effectiveRoot := r.baseDir
	if overrideRoot != "" {
		resolved, err := canonicalize(overrideRoot)
		if err != nil {
			return "", apperr.Wrap(apperr.KindSecurity, err, "workspace override %q cannot be resolved", overrideRoot)
		}
		if !within(resolved, r.baseDir) {
			return "", apperr.New(apperr.KindSecurity, "workspace override %q is outside base workspace", overrideRoot)
		}
		effectiveRoot = resolved
	}

	joined := userPath
	if !filepath.IsAbs(userPath) {
		joined = filepath.Join(effectiveRoot, userPath)
	}
	resolved, err := canonicalize(joined)
	if err != nil {
		return "", apperr.Wrap(apperr.KindSecurity, err, "path %q cannot be resolved", userPath)
	}

	if !within(resolved, effectiveRoot) {
		return "", apperr.New(apperr.KindSecurity,
			"path %q resolves to %q which escapes workspace boundary %q", userPath, resolved, effectiveRoot)
	}

	r.logger.Debug("path_resolved", "user_path", userPath, "resolved", resolved, "workspace", effectiveRoot)
	return resolved, nil
}

// IsWithin reports whether path canonicalises to the sandbox root or a
// descendant of it.
func (r *Resolver) IsWithin(path string) bool {
	resolved, err := canonicalize(path)
	if err != nil {
		return false
	}
	return within(resolved, r.baseDir)
}

// Info returns the root path and its volume usage. Usage failures degrade
// to zeroes rather than erroring.
func (r *Resolver) Info() Info {
	usage, err := diskUsage(r.baseDir)
	if err != nil {
		r.logger.Warn("failed_to_get_disk_usage", "error", err)
		usage = DiskUsage{}
	}
	return Info{BaseDir: r.baseDir, DiskUsage: usage}
}

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// canonicalize resolves symlinks like os.path.realpath: the longest existing
// ancestor is resolved and the non-existent remainder is re-joined lexically.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	ancestor := abs
	var trailing []string
	for {
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			break
		}
		trailing = append([]string{filepath.Base(ancestor)}, trailing...)
		ancestor = parent
		if resolved, err := filepath.EvalSymlinks(ancestor); err == nil {
			return filepath.Join(append([]string{resolved}, trailing...)...), nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return abs, nil
}
