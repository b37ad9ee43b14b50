package tools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/workspace"
)

func newGit(t *testing.T) (*GitTools, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ws, err := workspace.New(t.TempDir(), nil)
	require.NoError(t, err)
	return NewGitTools(ws, nil), ws.BaseDir()
}

func runGitRaw(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// initRepo creates a repository with one commit inside the workspace.
func initRepo(t *testing.T, root string) string {
	t.Helper()
	repo := filepath.Join(root, "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	runGitRaw(t, repo, "init", "-b", "main")
	runGitRaw(t, repo, "config", "user.name", "Test")
	runGitRaw(t, repo, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# repo\n"), 0o644))
	runGitRaw(t, repo, "add", "-A")
	runGitRaw(t, repo, "commit", "-m", "initial commit")
	return repo
}

func TestGitStatusCleanAndDirty(t *testing.T) {
	git, root := newGit(t)
	repo := initRepo(t, root)
	ctx := context.Background()

	out, err := git.Status(ctx, map[string]any{"repo_path": "repo"}, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.Equal(t, "main", m["branch"])
	assert.Equal(t, true, m["clean"])

	require.NoError(t, os.WriteFile(filepath.Join(repo, "new.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# changed\n"), 0o644))

	out, err = git.Status(ctx, map[string]any{"repo_path": "repo"}, dispatch.CallContext{})
	require.NoError(t, err)
	m = asMap(t, out)
	assert.Equal(t, false, m["clean"])
	assert.Contains(t, m["untracked"], "new.txt")
	assert.Contains(t, m["unstaged"], "README.md")
}

func TestGitStatusNotARepo(t *testing.T) {
	git, root := newGit(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "plain"), 0o755))

	_, err := git.Status(context.Background(), map[string]any{"repo_path": "plain"}, dispatch.CallContext{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidParam, apperr.KindOf(err))
}

func TestGitCommitAndLog(t *testing.T) {
	git, root := newGit(t)
	repo := initRepo(t, root)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(repo, "feature.go"), []byte("package feature\n"), 0o644))
	out, err := git.Commit(ctx, map[string]any{
		"repo_path": "repo",
		"message":   "add feature package",
	}, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.NotEmpty(t, m["hash"])
	assert.Contains(t, m["files_changed"], "feature.go")

	out, err = git.Log(ctx, map[string]any{"repo_path": "repo", "max_count": float64(5)}, dispatch.CallContext{})
	require.NoError(t, err)
	lm := asMap(t, out)
	assert.Equal(t, 2, lm["count"])
	commits := lm["commits"].([]logCommit)
	assert.Equal(t, "add feature package", commits[0].Message)
	assert.Equal(t, "Test", commits[0].Author)
	assert.Equal(t, 1, commits[0].FilesChanged)
	assert.Equal(t, "initial commit", commits[1].Message)
}

func TestGitDiff(t *testing.T) {
	git, root := newGit(t)
	repo := initRepo(t, root)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# repo\nmore\n"), 0o644))
	out, err := git.Diff(ctx, map[string]any{"repo_path": "repo"}, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.Equal(t, 1, m["files_changed"])
	assert.Equal(t, 1, m["insertions"])
	assert.Contains(t, m["diff"], "+more")

	// nothing staged yet
	out, err = git.Diff(ctx, map[string]any{"repo_path": "repo", "staged": true}, dispatch.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, 0, asMap(t, out)["files_changed"])
}

func TestGitBranchCheckoutAndList(t *testing.T) {
	git, root := newGit(t)
	initRepo(t, root)
	ctx := context.Background()

	_, err := git.Branch(ctx, map[string]any{"repo_path": "repo", "name": "dev"}, dispatch.CallContext{})
	require.NoError(t, err)

	out, err := git.Checkout(ctx, map[string]any{"repo_path": "repo", "target": "dev"}, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.Equal(t, "dev", m["branch"])
	assert.Equal(t, "main", m["previous_branch"])

	out, err = git.ListBranches(ctx, map[string]any{"repo_path": "repo"}, dispatch.CallContext{})
	require.NoError(t, err)
	branches := asMap(t, out)["branches"].([]map[string]any)
	require.Len(t, branches, 2)
	names := map[string]bool{}
	for _, b := range branches {
		names[b["name"].(string)] = b["current"].(bool)
	}
	assert.True(t, names["dev"])
	assert.False(t, names["main"])

	_, err = git.Branch(ctx, map[string]any{"repo_path": "repo", "name": "dev", "action": "drop"}, dispatch.CallContext{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidParam, apperr.KindOf(err))
}

func TestGitStashFlow(t *testing.T) {
	git, root := newGit(t)
	repo := initRepo(t, root)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# dirty\n"), 0o644))
	_, err := git.Stash(ctx, map[string]any{
		"repo_path": "repo",
		"action":    "push",
		"message":   "wip readme",
	}, dispatch.CallContext{})
	require.NoError(t, err)

	out, err := git.Stash(ctx, map[string]any{"repo_path": "repo", "action": "list"}, dispatch.CallContext{})
	require.NoError(t, err)
	stashes := asMap(t, out)["stashes"].([]map[string]any)
	require.Len(t, stashes, 1)
	assert.Equal(t, 0, stashes[0]["index"])
	assert.Contains(t, stashes[0]["message"], "wip readme")

	_, err = git.Stash(ctx, map[string]any{"repo_path": "repo", "action": "pop"}, dispatch.CallContext{})
	require.NoError(t, err)
}

func TestGitShow(t *testing.T) {
	git, root := newGit(t)
	initRepo(t, root)

	out, err := git.Show(context.Background(), map[string]any{"repo_path": "repo"}, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.Equal(t, "initial commit", m["message"])
	assert.Equal(t, "Test <test@example.com>", m["author"])
	assert.NotEmpty(t, m["hash"])
	assert.Contains(t, m["files_changed"], "README.md")
}

func TestGitRemoteAddListRemove(t *testing.T) {
	git, root := newGit(t)
	initRepo(t, root)
	ctx := context.Background()

	_, err := git.Remote(ctx, map[string]any{
		"repo_path": "repo",
		"action":    "add",
		"name":      "origin",
		"url":       "https://example.com/repo.git",
	}, dispatch.CallContext{})
	require.NoError(t, err)

	out, err := git.Remote(ctx, map[string]any{"repo_path": "repo"}, dispatch.CallContext{})
	require.NoError(t, err)
	remotes := asMap(t, out)["remotes"].([]map[string]any)
	require.Len(t, remotes, 1)
	assert.Equal(t, "origin", remotes[0]["name"])
	assert.Equal(t, "https://example.com/repo.git", remotes[0]["fetch_url"])

	_, err = git.Remote(ctx, map[string]any{"repo_path": "repo", "action": "remove", "name": "origin"}, dispatch.CallContext{})
	require.NoError(t, err)
}

func TestGitPushAndPullBetweenRepos(t *testing.T) {
	git, root := newGit(t)
	repo := initRepo(t, root)
	ctx := context.Background()

	bare := filepath.Join(root, "origin.git")
	require.NoError(t, os.MkdirAll(bare, 0o755))
	runGitRaw(t, bare, "init", "--bare", "-b", "main")
	runGitRaw(t, repo, "remote", "add", "origin", bare)

	out, err := git.Push(ctx, map[string]any{"repo_path": "repo"}, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.Equal(t, "origin", m["remote"])
	assert.Equal(t, "main", m["branch"])

	out, err = git.Pull(ctx, map[string]any{"repo_path": "repo", "branch": "main"}, dispatch.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, false, asMap(t, out)["updated"])
}

func TestGitShowTimestampParsing(t *testing.T) {
	assert.Equal(t, 0, len(parseLog("")))

	out := "abc123\nab1\nAlice\nalice@example.com\n1700000000\nfix parser\n" + commitEndMarker + "\n\n3\t1\tparser.go\n"
	commits := parseLog(out)
	require.Len(t, commits, 1)
	c := commits[0]
	assert.Equal(t, "abc123", c.Hash)
	assert.Equal(t, "Alice", c.Author)
	assert.Equal(t, "2023-11-14T22:13:20Z", c.Date)
	assert.Equal(t, 1, c.FilesChanged)
	assert.Equal(t, 3, c.Insertions)
	assert.Equal(t, 1, c.Deletions)
}
