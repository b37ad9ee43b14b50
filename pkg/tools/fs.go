package tools

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/workspace"
)

const (
	defaultSearchResults = 50
	previewMaxRunes      = 200
)

// FSTools implements the fs category over the workspace resolver. Every
// path in every call is resolved through the sandbox before any I/O.
type FSTools struct {
	ws     *workspace.Resolver
	logger *slog.Logger
}

// NewFSTools returns the filesystem tool set.
func NewFSTools(ws *workspace.Resolver, logger *slog.Logger) *FSTools {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSTools{ws: ws, logger: logger}
}

// Register adds read, write, list, and search under the fs category.
func (t *FSTools) Register(reg *dispatch.Registry) {
	reg.Register("fs", "read", dispatch.ToolFunc(t.Read))
	reg.Register("fs", "write", dispatch.ToolFunc(t.Write))
	reg.Register("fs", "list", dispatch.ToolFunc(t.List))
	reg.Register("fs", "search", dispatch.ToolFunc(t.Search))
}

func checkEncoding(params map[string]any) error {
	enc := strings.ToLower(stringParam(params, "encoding", "utf-8"))
	if enc != "utf-8" && enc != "utf8" {
		return apperr.New(apperr.KindInvalidParam,
			"Unsupported encoding '%s'. Only utf-8 is supported.", enc)
	}
	return nil
}

func overrideRoot(params map[string]any, call dispatch.CallContext) string {
	if v := stringParam(params, "workspace_dir", ""); v != "" {
		return v
	}
	return call.WorkspaceDir
}

// Read returns file contents with optional 1-based line windows.
func (t *FSTools) Read(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	path, err := requiredString(params, "path")
	if err != nil {
		return nil, err
	}
	if err := checkEncoding(params); err != nil {
		return nil, err
	}

	resolved, err := t.ws.Resolve(path, overrideRoot(params, call))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if os.IsNotExist(err) {
		return nil, apperr.New(apperr.KindNotFound,
			"File not found: %s. Use fs_list to see available files.", path).
			WithSuggestion("Use fs_list to browse the directory", "fs_list")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "stat %s", path)
	}
	if info.IsDir() {
		return nil, apperr.New(apperr.KindInvalidParam,
			"Path is not a file: %s. Use fs_list to list directory contents.", path)
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "reading %s", path)
	}
	lines := splitKeepEnds(string(raw))
	lineCount := len(lines)

	lineStart := intParam(params, "line_start", 0)
	lineEnd := intParam(params, "line_end", 0)
	if lineStart > 0 || lineEnd > 0 {
		start := 0
		if lineStart > 0 {
			start = lineStart - 1
		}
		end := lineCount
		if lineEnd > 0 {
			end = lineEnd
		}
		if start < 0 || start >= lineCount {
			return nil, apperr.New(apperr.KindInvalidParam,
				"line_start %d is out of range. File has %d lines.", lineStart, lineCount)
		}
		if end < start {
			return nil, apperr.New(apperr.KindInvalidParam,
				"line_end %d is before line_start %d", lineEnd, lineStart)
		}
		if end > lineCount {
			end = lineCount
		}
		lines = lines[start:end]
	}

	if maxLines := intParam(params, "max_lines", 0); maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}

	t.logger.Info("file_read",
		"path", resolved,
		"size_bytes", info.Size(),
		"lines_returned", len(lines),
		"total_lines", lineCount)

	return map[string]any{
		"content":    strings.Join(lines, ""),
		"path":       resolved,
		"size_bytes": info.Size(),
		"line_count": lineCount,
		"encoding":   "utf-8",
	}, nil
}

// splitKeepEnds splits into lines where each element keeps its trailing
// newline, and a file without a final newline keeps its last partial line.
func splitKeepEnds(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lines = append(lines, s)
			break
		}
		lines = append(lines, s[:i+1])
		s = s[i+1:]
		if s == "" {
			break
		}
	}
	return lines
}

// Write creates, overwrites, or appends file content.
func (t *FSTools) Write(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	path, err := requiredString(params, "path")
	if err != nil {
		return nil, err
	}
	content, ok := params["content"].(string)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidParam, "Missing required parameter 'content'")
	}
	if err := checkEncoding(params); err != nil {
		return nil, err
	}
	mode := stringParam(params, "mode", "create")
	switch mode {
	case "create", "overwrite", "append":
	default:
		return nil, apperr.New(apperr.KindInvalidParam,
			"Invalid mode '%s'. Must be 'create', 'overwrite', or 'append'.", mode)
	}

	resolved, err := t.ws.Resolve(path, overrideRoot(params, call))
	if err != nil {
		return nil, err
	}

	_, statErr := os.Stat(resolved)
	existed := statErr == nil
	if mode == "create" && existed {
		return nil, apperr.New(apperr.KindConflict,
			"File already exists: %s. Use mode 'overwrite' or 'append'.", path)
	}

	if boolParam(params, "create_dirs", true) {
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "creating parent directories for %s", path)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if mode == "append" {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "opening %s", path)
	}
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "writing %s", path)
	}

	t.logger.Info("file_written", "path", resolved, "bytes", n, "mode", mode, "created", !existed)

	return map[string]any{
		"path":          resolved,
		"bytes_written": n,
		"created":       !existed,
		"mode":          mode,
	}, nil
}

type listEntry struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Type      string `json:"type"`
	SizeBytes int64  `json:"size_bytes"`
	Modified  string `json:"modified"`
}

// List enumerates a directory, optionally recursively with a glob filter.
func (t *FSTools) List(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	path := stringParam(params, "path", ".")
	resolved, err := t.ws.Resolve(path, overrideRoot(params, call))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if os.IsNotExist(err) {
		return nil, apperr.New(apperr.KindNotFound, "Directory not found: %s", path)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "stat %s", path)
	}
	if !info.IsDir() {
		return nil, apperr.New(apperr.KindInvalidParam, "Path is not a directory: %s", path)
	}

	recursive := boolParam(params, "recursive", false)
	maxDepth := intParam(params, "max_depth", 0)
	includeHidden := boolParam(params, "include_hidden", false)

	var matcher glob.Glob
	if pattern := stringParam(params, "pattern", ""); pattern != "" {
		matcher, err = glob.Compile(pattern)
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidParam, "Invalid glob pattern '%s'", pattern)
		}
	}

	var entries []listEntry
	walkErr := filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p == resolved {
			return nil
		}
		rel, err := filepath.Rel(resolved, p)
		if err != nil {
			return nil
		}
		name := d.Name()
		hidden := strings.HasPrefix(name, ".")

		if d.IsDir() {
			if hidden && !includeHidden {
				return filepath.SkipDir
			}
			depth := strings.Count(rel, string(filepath.Separator)) + 1
			if !recursive && depth >= 1 {
				// Still record the directory itself at the top level.
				if depth == 1 && (matcher == nil || matcher.Match(name)) {
					entries = append(entries, dirEntryOf(d, rel))
				}
				return filepath.SkipDir
			}
			if maxDepth > 0 && depth >= maxDepth {
				if matcher == nil || matcher.Match(name) {
					entries = append(entries, dirEntryOf(d, rel))
				}
				return filepath.SkipDir
			}
			if matcher == nil || matcher.Match(name) {
				entries = append(entries, dirEntryOf(d, rel))
			}
			return nil
		}

		if hidden && !includeHidden {
			return nil
		}
		if matcher != nil && !matcher.Match(name) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, listEntry{
			Name:      name,
			Path:      rel,
			Type:      "file",
			SizeBytes: fi.Size(),
			Modified:  fi.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
		return nil
	})
	if walkErr != nil {
		return nil, apperr.Wrap(apperr.KindInternal, walkErr, "listing %s", path)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	return map[string]any{
		"path":    resolved,
		"entries": entries,
		"count":   len(entries),
	}, nil
}

func dirEntryOf(d fs.DirEntry, rel string) listEntry {
	e := listEntry{Name: d.Name(), Path: rel, Type: "directory"}
	if fi, err := d.Info(); err == nil {
		e.Modified = fi.ModTime().UTC().Format("2006-01-02T15:04:05Z")
	}
	return e
}

type searchMatch struct {
	Path       string `json:"path"`
	MatchType  string `json:"match_type"` // filename or content
	LineNumber int    `json:"line_number,omitempty"`
	Preview    string `json:"preview,omitempty"`
}

// Search finds files by name, content, or both. Binary files are skipped
// during content search.
func (t *FSTools) Search(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	query, err := requiredString(params, "query")
	if err != nil {
		return nil, err
	}
	path := stringParam(params, "path", ".")
	searchType := stringParam(params, "search_type", "both")
	switch searchType {
	case "filename", "content", "both":
	default:
		return nil, apperr.New(apperr.KindInvalidParam,
			"Invalid search_type '%s'. Must be 'filename', 'content', or 'both'.", searchType)
	}
	maxResults := intParam(params, "max_results", defaultSearchResults)
	includePreview := boolParam(params, "include_content_preview", true)

	var re *regexp.Regexp
	if boolParam(params, "regex", false) {
		re, err = regexp.Compile(query)
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidParam, "Invalid regex pattern: %v", err)
		}
	}
	matchText := func(s string) bool {
		if re != nil {
			return re.MatchString(s)
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(query))
	}

	resolved, err := t.ws.Resolve(path, overrideRoot(params, call))
	if err != nil {
		return nil, err
	}

	var matches []searchMatch
	truncated := false
	walkErr := filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(matches) >= maxResults {
			truncated = true
			return filepath.SkipAll
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && p != resolved {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(resolved, p)
		if relErr != nil {
			return nil
		}

		if (searchType == "filename" || searchType == "both") && matchText(name) {
			matches = append(matches, searchMatch{Path: rel, MatchType: "filename"})
			if len(matches) >= maxResults {
				return nil
			}
		}

		if searchType == "content" || searchType == "both" {
			raw, readErr := os.ReadFile(p)
			if readErr != nil || looksBinary(raw) {
				return nil
			}
			for i, line := range strings.Split(string(raw), "\n") {
				if len(matches) >= maxResults {
					break
				}
				if matchText(line) {
					m := searchMatch{Path: rel, MatchType: "content", LineNumber: i + 1}
					if includePreview {
						m.Preview = truncatePreview(strings.TrimSpace(line))
					}
					matches = append(matches, m)
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, apperr.Wrap(apperr.KindInternal, walkErr, "searching %s", path)
	}

	t.logger.Info("fs_search", "query", query, "type", searchType, "matches", len(matches))

	return map[string]any{
		"query":     query,
		"path":      resolved,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}, nil
}

func looksBinary(b []byte) bool {
	probe := b
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	for _, c := range probe {
		if c == 0 {
			return true
		}
	}
	return false
}

func truncatePreview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewMaxRunes {
		return s
	}
	return string(runes[:previewMaxRunes]) + "..."
}
