package tools

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/workspace"
)

const commitEndMarker = "---COMMIT-END---"

// GitTools wraps the git CLI. Repository paths resolve through the
// workspace sandbox; credentials arrive via the env param, typically as
// {{secret:KEY}} templates resolved by the pipeline.
type GitTools struct {
	ws     *workspace.Resolver
	logger *slog.Logger
}

// NewGitTools returns the git tool set.
func NewGitTools(ws *workspace.Resolver, logger *slog.Logger) *GitTools {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitTools{ws: ws, logger: logger}
}

// Register adds the git operations.
func (t *GitTools) Register(reg *dispatch.Registry) {
	reg.Register("git", "status", dispatch.ToolFunc(t.Status))
	reg.Register("git", "log", dispatch.ToolFunc(t.Log))
	reg.Register("git", "diff", dispatch.ToolFunc(t.Diff))
	reg.Register("git", "commit", dispatch.ToolFunc(t.Commit))
	reg.Register("git", "push", dispatch.ToolFunc(t.Push))
	reg.Register("git", "pull", dispatch.ToolFunc(t.Pull))
	reg.Register("git", "checkout", dispatch.ToolFunc(t.Checkout))
	reg.Register("git", "branch", dispatch.ToolFunc(t.Branch))
	reg.Register("git", "list_branches", dispatch.ToolFunc(t.ListBranches))
	reg.Register("git", "stash", dispatch.ToolFunc(t.Stash))
	reg.Register("git", "show", dispatch.ToolFunc(t.Show))
	reg.Register("git", "remote", dispatch.ToolFunc(t.Remote))
}

// repoDir resolves repo_path and verifies it holds a git repository.
func (t *GitTools) repoDir(params map[string]any, call dispatch.CallContext) (string, error) {
	repoPath := stringParam(params, "repo_path", ".")
	resolved, err := t.ws.Resolve(repoPath, overrideRoot(params, call))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(resolved, ".git")); err != nil {
		return "", apperr.New(apperr.KindInvalidParam,
			"Not a git repository: %s. Initialize one with git init first.", repoPath)
	}
	return resolved, nil
}

func (t *GitTools) runGit(ctx context.Context, dir string, env map[string]string, args ...string) (string, string, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", "", -1, apperr.New(apperr.KindTimeout, "git %s timed out", args[0])
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", -1, apperr.New(apperr.KindInvalidParam,
				"Failed to run git: %v. Make sure git is installed.", err)
		}
		exitCode = exitErr.ExitCode()
	}
	t.logger.Debug("git_command", "args", strings.Join(args, " "), "exit_code", exitCode)
	return stdout.String(), stderr.String(), exitCode, nil
}

// Status parses `git status --porcelain=v2 --branch`.
func (t *GitTools) Status(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	stdout, stderr, code, err := t.runGit(ctx, dir, nil, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git status failed: %s", stderr)
	}

	branch := ""
	ahead, behind := 0, 0
	var staged, unstaged, untracked []string
	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			branch = strings.TrimPrefix(line, "# branch.head ")
		case strings.HasPrefix(line, "# branch.ab "):
			for _, f := range strings.Fields(strings.TrimPrefix(line, "# branch.ab ")) {
				if n, err := strconv.Atoi(f); err == nil {
					if n >= 0 && strings.HasPrefix(f, "+") {
						ahead = n
					} else {
						behind = -n
					}
				}
			}
		case strings.HasPrefix(line, "1 ") || strings.HasPrefix(line, "2 "):
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			xy := fields[1]
			path := fields[len(fields)-1]
			// Renames carry "newpath\toldpath" in the final field.
			if i := strings.IndexByte(path, '\t'); i >= 0 {
				path = path[:i]
			}
			if xy[0] != '.' {
				staged = append(staged, path)
			}
			if len(xy) > 1 && xy[1] != '.' {
				unstaged = append(unstaged, path)
			}
		case strings.HasPrefix(line, "u "):
			fields := strings.Fields(line)
			if len(fields) > 0 {
				unstaged = append(unstaged, fields[len(fields)-1])
			}
		case strings.HasPrefix(line, "? "):
			untracked = append(untracked, strings.TrimPrefix(line, "? "))
		}
	}

	return map[string]any{
		"branch":    branch,
		"ahead":     ahead,
		"behind":    behind,
		"staged":    staged,
		"unstaged":  unstaged,
		"untracked": untracked,
		"clean":     len(staged) == 0 && len(unstaged) == 0 && len(untracked) == 0,
	}, nil
}

// Log returns commit history with per-commit change stats.
func (t *GitTools) Log(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	maxCount := intParam(params, "max_count", 10)
	args := []string{
		"log",
		"--pretty=format:%H%n%h%n%an%n%ae%n%at%n%s%n" + commitEndMarker,
		"--numstat",
		"-n", strconv.Itoa(maxCount),
	}
	if ref := stringParam(params, "ref", ""); ref != "" {
		args = append(args, ref)
	}
	if path := stringParam(params, "path", ""); path != "" {
		args = append(args, "--", path)
	}

	stdout, stderr, code, err := t.runGit(ctx, dir, nil, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git log failed: %s", stderr)
	}

	commits := parseLog(stdout)
	return map[string]any{
		"commits": commits,
		"count":   len(commits),
	}, nil
}

type logCommit struct {
	Hash         string `json:"hash"`
	ShortHash    string `json:"short_hash"`
	Author       string `json:"author"`
	Email        string `json:"email"`
	Date         string `json:"date"`
	Message      string `json:"message"`
	FilesChanged int    `json:"files_changed"`
	Insertions   int    `json:"insertions"`
	Deletions    int    `json:"deletions"`
}

// parseLog consumes the fixed six-line header per commit followed by the
// end marker, then numstat lines until the next header.
func parseLog(out string) []logCommit {
	var commits []logCommit
	lines := strings.Split(out, "\n")
	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}
		if i+5 >= len(lines) {
			break
		}
		c := logCommit{
			Hash:      lines[i],
			ShortHash: lines[i+1],
			Author:    lines[i+2],
			Email:     lines[i+3],
			Message:   lines[i+5],
		}
		if ts, err := strconv.ParseInt(lines[i+4], 10, 64); err == nil {
			c.Date = time.Unix(ts, 0).UTC().Format(time.RFC3339)
		}
		i += 6
		if i < len(lines) && lines[i] == commitEndMarker {
			i++
		}
		for i < len(lines) {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				i++
				continue
			}
			fields := strings.Fields(line)
			// numstat: additions<TAB>deletions<TAB>path; binary files use "-".
			if len(fields) != 3 {
				break
			}
			adds, addErr := strconv.Atoi(fields[0])
			dels, delErr := strconv.Atoi(fields[1])
			if addErr != nil && fields[0] != "-" {
				break
			}
			c.FilesChanged++
			if addErr == nil {
				c.Insertions += adds
			}
			if delErr == nil {
				c.Deletions += dels
			}
			i++
		}
		commits = append(commits, c)
	}
	return commits
}

// Diff returns a diff with insertion/deletion counts.
func (t *GitTools) Diff(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	args := []string{"diff"}
	if boolParam(params, "staged", false) {
		args = append(args, "--cached")
	}
	if boolParam(params, "stat", false) {
		args = append(args, "--stat")
	}
	if ref := stringParam(params, "ref", ""); ref != "" {
		args = append(args, ref)
	}
	if path := stringParam(params, "path", ""); path != "" {
		args = append(args, "--", path)
	}

	stdout, stderr, code, err := t.runGit(ctx, dir, nil, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git diff failed: %s", stderr)
	}

	insertions, deletions, files := 0, 0, 0
	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			files++
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			insertions++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			deletions++
		}
	}

	return map[string]any{
		"diff":          stdout,
		"files_changed": files,
		"insertions":    insertions,
		"deletions":     deletions,
	}, nil
}

// Commit stages the named files (or everything) and commits.
func (t *GitTools) Commit(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	message, err := requiredString(params, "message")
	if err != nil {
		return nil, err
	}

	if files := stringListParam(params, "files"); len(files) > 0 {
		_, stderr, code, err := t.runGit(ctx, dir, nil, append([]string{"add", "--"}, files...)...)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return nil, apperr.New(apperr.KindInternal, "Git add failed: %s", stderr)
		}
	} else {
		_, stderr, code, err := t.runGit(ctx, dir, nil, "add", "-A")
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return nil, apperr.New(apperr.KindInternal, "Git add failed: %s", stderr)
		}
	}

	stdout, stderr, code, err := t.runGit(ctx, dir, nil, "commit", "-m", message)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git commit failed: %s%s", stdout, stderr)
	}

	hashOut, _, code, err := t.runGit(ctx, dir, nil, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	hash := strings.TrimSpace(hashOut)
	if code != 0 {
		hash = ""
	}

	var committed []string
	if filesOut, _, code, err := t.runGit(ctx, dir, nil, "diff-tree", "--no-commit-id", "--name-only", "-r", "HEAD"); err == nil && code == 0 {
		for _, line := range strings.Split(filesOut, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				committed = append(committed, line)
			}
		}
	}

	t.logger.Info("git_commit", "hash", hash, "files", len(committed))

	return map[string]any{
		"hash":          hash,
		"message":       message,
		"files_changed": committed,
		"output":        stdout,
	}, nil
}

var pushRangeRe = regexp.MustCompile(`(\w+)\.\.(\w+)`)

// Push pushes the current (or named) branch.
func (t *GitTools) Push(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	remote := stringParam(params, "remote", "origin")
	branch := stringParam(params, "branch", "")
	env := stringMapParam(params, "env")

	if branch == "" {
		out, _, code, err := t.runGit(ctx, dir, nil, "branch", "--show-current")
		if err != nil {
			return nil, err
		}
		branch = strings.TrimSpace(out)
		if code != 0 || branch == "" {
			return nil, apperr.New(apperr.KindInvalidParam,
				"Could not determine current branch. Specify the branch parameter.")
		}
	}

	args := []string{"push", remote, branch}
	if boolParam(params, "force", false) {
		args = append(args, "--force")
	}

	stdout, stderr, code, err := t.runGit(ctx, dir, env, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git push failed: %s", stderr)
	}

	commitsPushed := 0
	if pushRangeRe.MatchString(stdout + stderr) {
		commitsPushed = 1
	}

	return map[string]any{
		"remote":         remote,
		"branch":         branch,
		"commits_pushed": commitsPushed,
		"output":         stdout + stderr,
	}, nil
}

// Pull fetches and merges (or rebases) from a remote.
func (t *GitTools) Pull(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	args := []string{"pull"}
	if boolParam(params, "rebase", false) {
		args = append(args, "--rebase")
	}
	args = append(args, stringParam(params, "remote", "origin"))
	if branch := stringParam(params, "branch", ""); branch != "" {
		args = append(args, branch)
	}

	stdout, stderr, code, err := t.runGit(ctx, dir, stringMapParam(params, "env"), args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git pull failed: %s", stderr)
	}

	combined := stdout + stderr
	commitsReceived := 0
	var filesChanged []string
	for _, line := range strings.Split(combined, "\n") {
		if strings.Contains(line, "file changed") || strings.Contains(line, "files changed") {
			commitsReceived = 1
		}
		if strings.Contains(line, "|") && (strings.Contains(line, "+") || strings.Contains(line, "-")) {
			if file := strings.TrimSpace(strings.SplitN(line, "|", 2)[0]); file != "" {
				filesChanged = append(filesChanged, file)
			}
		}
	}

	return map[string]any{
		"updated":          !strings.Contains(stdout, "Already up to date"),
		"commits_received": commitsReceived,
		"files_changed":    filesChanged,
		"output":           combined,
	}, nil
}

// Checkout switches branches, optionally creating one.
func (t *GitTools) Checkout(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	target, err := requiredString(params, "target")
	if err != nil {
		return nil, err
	}

	prevOut, _, _, err := t.runGit(ctx, dir, nil, "branch", "--show-current")
	if err != nil {
		return nil, err
	}

	args := []string{"checkout"}
	if boolParam(params, "create", false) {
		args = append(args, "-b")
	}
	args = append(args, target)

	stdout, stderr, code, err := t.runGit(ctx, dir, nil, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git checkout failed: %s", stderr)
	}

	return map[string]any{
		"branch":          target,
		"previous_branch": strings.TrimSpace(prevOut),
		"output":          stdout + stderr,
	}, nil
}

// Branch creates or deletes a branch.
func (t *GitTools) Branch(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	name, err := requiredString(params, "name")
	if err != nil {
		return nil, err
	}
	action := stringParam(params, "action", "create")

	var args []string
	switch action {
	case "create":
		args = []string{"branch", name}
	case "delete":
		flag := "-d"
		if boolParam(params, "force", false) {
			flag = "-D"
		}
		args = []string{"branch", flag, name}
	default:
		return nil, apperr.New(apperr.KindInvalidParam,
			"Invalid action: %s. Must be 'create' or 'delete'", action)
	}

	stdout, stderr, code, err := t.runGit(ctx, dir, nil, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git branch %s failed: %s", action, stderr)
	}

	return map[string]any{
		"branch": name,
		"action": action,
		"output": stdout + stderr,
	}, nil
}

// ListBranches lists local (and optionally remote) branches.
func (t *GitTools) ListBranches(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	args := []string{"branch", "-v"}
	if boolParam(params, "remote", false) {
		args = append(args, "-a")
	}

	stdout, stderr, code, err := t.runGit(ctx, dir, nil, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git branch list failed: %s", stderr)
	}

	var branches []map[string]any
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		isCurrent := strings.HasPrefix(line, "*")
		line = strings.TrimSpace(strings.TrimLeft(line, "* "))
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		branches = append(branches, map[string]any{
			"name":        fields[0],
			"current":     isCurrent,
			"remote":      strings.HasPrefix(fields[0], "remotes/"),
			"last_commit": fields[1],
		})
	}

	return map[string]any{"branches": branches}, nil
}

var stashEntryRe = regexp.MustCompile(`stash@\{(\d+)\}: (.+)`)

// Stash pushes, pops, lists, or drops stash entries.
func (t *GitTools) Stash(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	action := stringParam(params, "action", "push")
	switch action {
	case "push", "pop", "list", "drop":
	default:
		return nil, apperr.New(apperr.KindInvalidParam, "Invalid action: %s", action)
	}

	args := []string{"stash", action}
	if action == "push" {
		if msg := stringParam(params, "message", ""); msg != "" {
			args = append(args, "-m", msg)
		}
	}
	if action == "pop" || action == "drop" {
		if idx := intParam(params, "index", -1); idx >= 0 {
			args = append(args, "stash@{"+strconv.Itoa(idx)+"}")
		}
	}

	stdout, stderr, code, err := t.runGit(ctx, dir, nil, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 && action != "list" {
		return nil, apperr.New(apperr.KindInternal, "Git stash %s failed: %s", action, stderr)
	}

	var stashes []map[string]any
	if action == "list" {
		for _, line := range strings.Split(stdout, "\n") {
			if m := stashEntryRe.FindStringSubmatch(line); m != nil {
				idx, _ := strconv.Atoi(m[1])
				stashes = append(stashes, map[string]any{"index": idx, "message": m[2]})
			}
		}
	}

	out := map[string]any{
		"action": action,
		"output": stdout + stderr,
	}
	if action == "list" {
		out["stashes"] = stashes
	}
	return out, nil
}

// Show returns commit details for a ref.
func (t *GitTools) Show(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	ref := stringParam(params, "ref", "HEAD")

	stdout, stderr, code, err := t.runGit(ctx, dir, nil,
		"show", "--pretty=format:%H%n%an%n%ae%n%at%n%s%n%b", "--stat", ref)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git show failed: %s", stderr)
	}

	lines := strings.Split(stdout, "\n")
	if len(lines) < 5 {
		return nil, apperr.New(apperr.KindInternal, "Invalid git show output")
	}

	date := ""
	if ts, err := strconv.ParseInt(lines[3], 10, 64); err == nil {
		date = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}

	var bodyLines, filesChanged []string
	inBody := true
	for _, line := range lines[5:] {
		if strings.Contains(line, "|") && (strings.Contains(line, "+") || strings.Contains(line, "-")) {
			inBody = false
			if file := strings.TrimSpace(strings.SplitN(line, "|", 2)[0]); file != "" {
				filesChanged = append(filesChanged, file)
			}
		} else if inBody && strings.TrimSpace(line) != "" {
			bodyLines = append(bodyLines, line)
		}
	}

	diffOut, _, _, err := t.runGit(ctx, dir, nil, "show", ref)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"hash":          lines[0],
		"author":        lines[1] + " <" + lines[2] + ">",
		"date":          date,
		"message":       lines[4],
		"body":          strings.Join(bodyLines, "\n"),
		"diff":          diffOut,
		"files_changed": filesChanged,
	}, nil
}

// Remote lists, adds, or removes remotes.
func (t *GitTools) Remote(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	dir, err := t.repoDir(params, call)
	if err != nil {
		return nil, err
	}
	action := stringParam(params, "action", "list")

	args := []string{"remote"}
	switch action {
	case "list":
		args = append(args, "-v")
	case "add":
		name := stringParam(params, "name", "")
		url := stringParam(params, "url", "")
		if name == "" || url == "" {
			return nil, apperr.New(apperr.KindInvalidParam, "Name and URL required for add action")
		}
		args = append(args, "add", name, url)
	case "remove":
		name := stringParam(params, "name", "")
		if name == "" {
			return nil, apperr.New(apperr.KindInvalidParam, "Name required for remove action")
		}
		args = append(args, "remove", name)
	default:
		return nil, apperr.New(apperr.KindInvalidParam, "Invalid action: %s", action)
	}

	stdout, stderr, code, err := t.runGit(ctx, dir, nil, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.New(apperr.KindInternal, "Git remote %s failed: %s", action, stderr)
	}

	out := map[string]any{"action": action}
	if action == "list" {
		byName := map[string]map[string]any{}
		var order []string
		for _, line := range strings.Split(stdout, "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			name, url := fields[0], fields[1]
			kind := "fetch"
			if len(fields) >= 3 {
				kind = strings.Trim(fields[2], "()")
			}
			entry, ok := byName[name]
			if !ok {
				entry = map[string]any{"name": name, "fetch_url": nil, "push_url": nil}
				byName[name] = entry
				order = append(order, name)
			}
			switch kind {
			case "fetch":
				entry["fetch_url"] = url
			case "push":
				entry["push_url"] = url
			}
		}
		remotes := make([]map[string]any, 0, len(order))
		for _, name := range order {
			remotes = append(remotes, byName[name])
		}
		out["remotes"] = remotes
	} else {
		out["output"] = stdout + stderr
	}
	return out, nil
}
