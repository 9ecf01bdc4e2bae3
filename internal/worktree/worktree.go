// Package worktree resolves isolated git working directories per
// (project, branch) pair. Branch names are validated and the resolved
// path is confined to the project's worktrees root before any
// filesystem or git call happens.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agusx1211/courier/internal/debug"
)

// defaultWorktreesDir is used when a project does not configure one,
// relative to the project root.
const defaultWorktreesDir = ".courier-worktrees"

// defaultRemote is consulted for remote-tracking branches.
const defaultRemote = "origin"

// Error is the worktree failure taxonomy: bad branch names, path
// escapes, missing projects, conflicts, unresolved base refs, and git
// failures (which keep the tool's raw diagnostic via Err).
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Project describes one configured repository.
type Project struct {
	// Name is the alias used in chat topics and task configs.
	Name string
	// Root is the repository root path.
	Root string
	// WorktreesDir holds per-branch worktrees; relative paths are
	// joined to Root. Empty means defaultWorktreesDir.
	WorktreesDir string
	// DefaultBranch, when set, is the base ref for new branches.
	DefaultBranch string
	// Remote names the remote consulted for tracking branches.
	// Empty means "origin".
	Remote string
}

func (p Project) worktreesRoot() string {
	dir := p.WorktreesDir
	if dir == "" {
		dir = defaultWorktreesDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.Root, dir)
	}
	return filepath.Clean(dir)
}

func (p Project) remote() string {
	if p.Remote != "" {
		return p.Remote
	}
	return defaultRemote
}

// Info describes one active worktree of a project.
type Info struct {
	Path   string
	Branch string
}

// Manager resolves and lazily creates worktrees for its configured
// projects. It never deletes a worktree.
type Manager struct {
	projects map[string]Project
}

// NewManager builds a manager over the given projects.
func NewManager(projects ...Project) *Manager {
	m := &Manager{projects: make(map[string]Project, len(projects))}
	for _, p := range projects {
		m.projects[p.Name] = p
	}
	return m
}

// Project looks up a configured project by alias.
func (m *Manager) Project(name string) (Project, bool) {
	p, ok := m.projects[name]
	return p, ok
}

// Names returns the configured project aliases.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.projects))
	for name := range m.projects {
		names = append(names, name)
	}
	return names
}

// validateBranch trims and checks a requested branch name. Slashes are
// fine (they nest directories under the worktrees root); empty names,
// leading "/", and ".." segments are not.
func validateBranch(branch string) (string, error) {
	b := strings.TrimSpace(branch)
	if b == "" {
		return "", &Error{Msg: "branch name cannot be empty"}
	}
	if strings.HasPrefix(b, "/") {
		return "", &Error{Msg: fmt.Sprintf("branch name %q cannot start with %q", b, "/")}
	}
	for _, part := range strings.Split(b, "/") {
		if part == ".." {
			return "", &Error{Msg: fmt.Sprintf("branch name %q cannot contain %q", b, "..")}
		}
	}
	return b, nil
}

// ensureWithin rejects any resolved path that is not a lexical
// descendant of root. No symlinks are followed; this guards the path
// before it is ever handed to the filesystem or git.
func ensureWithin(root, path, branch string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &Error{Msg: fmt.Sprintf("branch %q escapes the worktrees directory", branch)}
	}
	return nil
}

// Ensure resolves the worktree directory for branch in the named
// project, creating branch and worktree as needed. Repeated calls for
// the same pair return the same path while it remains a valid
// worktree. An existing path that is not a worktree of the project is
// a conflict and is never overwritten.
func (m *Manager) Ensure(ctx context.Context, projectName, branch string) (string, error) {
	b, err := validateBranch(branch)
	if err != nil {
		return "", err
	}

	p, ok := m.projects[projectName]
	if !ok {
		return "", &Error{Msg: fmt.Sprintf("unknown project %q", projectName)}
	}

	root := p.worktreesRoot()
	path := filepath.Clean(filepath.Join(root, filepath.FromSlash(b)))
	if err := ensureWithin(root, path, b); err != nil {
		return "", err
	}

	if _, err := os.Stat(p.Root); err != nil {
		return "", &Error{Msg: fmt.Sprintf("project path not found: %s", p.Root)}
	}
	if _, err := exec.LookPath("git"); err != nil {
		return "", &Error{Msg: "git not available", Err: err}
	}

	if _, err := os.Stat(path); err == nil {
		listed, lerr := m.isProjectWorktree(ctx, p, path)
		if lerr != nil {
			return "", lerr
		}
		if !listed {
			return "", &Error{Msg: fmt.Sprintf("%s exists but is not a git worktree of project %q", path, p.Name)}
		}
		debug.LogKV("worktree", "reusing worktree", "project", p.Name, "branch", b, "path", path)
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &Error{Msg: "creating worktrees directory", Err: err}
	}

	switch {
	case gitOK(ctx, p.Root, "rev-parse", "--verify", "--quiet", "refs/heads/"+b):
		// Attach to the existing local branch.
		if _, err := gitRun(ctx, p.Root, "worktree", "add", path, b); err != nil {
			return "", &Error{Msg: fmt.Sprintf("adding worktree for branch %q", b), Err: err}
		}
	case gitOK(ctx, p.Root, "rev-parse", "--verify", "--quiet", "refs/remotes/"+p.remote()+"/"+b):
		// Create a local branch tracking the remote one.
		if _, err := gitRun(ctx, p.Root, "worktree", "add", "--track", "-b", b, path, p.remote()+"/"+b); err != nil {
			return "", &Error{Msg: fmt.Sprintf("adding tracking worktree for branch %q", b), Err: err}
		}
	default:
		base, err := m.baseRef(ctx, p)
		if err != nil {
			return "", err
		}
		if _, err := gitRun(ctx, p.Root, "worktree", "add", "-b", b, path, base); err != nil {
			return "", &Error{Msg: fmt.Sprintf("adding worktree for new branch %q from %q", b, base), Err: err}
		}
	}

	debug.LogKV("worktree", "created worktree", "project", p.Name, "branch", b, "path", path)
	return path, nil
}

// baseRef picks the ref new branches start from: the configured
// default branch when it resolves, else the currently checked-out
// branch.
func (m *Manager) baseRef(ctx context.Context, p Project) (string, error) {
	if p.DefaultBranch != "" {
		if gitOK(ctx, p.Root, "rev-parse", "--verify", "--quiet", p.DefaultBranch) {
			return p.DefaultBranch, nil
		}
		return "", &Error{Msg: fmt.Sprintf("missing base ref %q in project %q", p.DefaultBranch, p.Name)}
	}
	current, err := m.CurrentBranch(ctx, p.Name)
	if err != nil {
		return "", err
	}
	if current == "" {
		return "", &Error{Msg: fmt.Sprintf("cannot determine base branch for project %q", p.Name)}
	}
	return current, nil
}

// CurrentBranch reports the branch checked out at the project root,
// or "" for a detached HEAD.
func (m *Manager) CurrentBranch(ctx context.Context, projectName string) (string, error) {
	p, ok := m.projects[projectName]
	if !ok {
		return "", &Error{Msg: fmt.Sprintf("unknown project %q", projectName)}
	}
	out, err := gitRun(ctx, p.Root, "branch", "--show-current")
	if err != nil {
		return "", &Error{Msg: "reading current branch", Err: err}
	}
	return strings.TrimSpace(out), nil
}

// ResolveRunDir maps an optional (project, branch) pair to the
// directory an engine run should use. No project means the caller's
// default directory (empty string). No branch, or the project's
// current branch, short-circuits to the project root without touching
// worktrees.
func (m *Manager) ResolveRunDir(ctx context.Context, projectName, branch string) (string, error) {
	if projectName == "" {
		return "", nil
	}
	p, ok := m.projects[projectName]
	if !ok {
		return "", &Error{Msg: fmt.Sprintf("unknown project %q", projectName)}
	}
	if strings.TrimSpace(branch) == "" {
		return p.Root, nil
	}
	current, err := m.CurrentBranch(ctx, projectName)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(branch) == current {
		return p.Root, nil
	}
	return m.Ensure(ctx, projectName, branch)
}

// List returns the project's active worktrees under its worktrees
// root, parsed from `git worktree list --porcelain`.
func (m *Manager) List(ctx context.Context, projectName string) ([]Info, error) {
	p, ok := m.projects[projectName]
	if !ok {
		return nil, &Error{Msg: fmt.Sprintf("unknown project %q", projectName)}
	}
	out, err := gitRun(ctx, p.Root, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, &Error{Msg: "listing worktrees", Err: err}
	}

	root := p.worktreesRoot() + string(filepath.Separator)
	var result []Info
	var current Info
	flush := func() {
		if current.Path != "" && strings.HasPrefix(current.Path, root) {
			result = append(result, current)
		}
		current = Info{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return result, nil
}

// isProjectWorktree reports whether path is listed as a worktree of p.
func (m *Manager) isProjectWorktree(ctx context.Context, p Project, path string) (bool, error) {
	out, err := gitRun(ctx, p.Root, "worktree", "list", "--porcelain")
	if err != nil {
		return false, &Error{Msg: "listing worktrees", Err: err}
	}
	want := filepath.Clean(path)
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		if filepath.Clean(strings.TrimPrefix(line, "worktree ")) == want {
			return true, nil
		}
	}
	return false, nil
}

// gitRun executes git in dir and returns combined output.
func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	debug.LogKV("worktree", "git exec", "cmd", "git "+strings.Join(args, " "), "dir", dir)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("worktree", "git exec failed", "cmd", "git "+strings.Join(args, " "), "error", err, "output_len", len(out))
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// gitOK executes git in dir and reports plain success.
func gitOK(ctx context.Context, dir string, args ...string) bool {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Run() == nil
}
