// Package git derives a stable repository identity for ingestion provenance.
package git

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Info describes the repository containing a path.
type Info struct {
	Root         string // git rev-parse --show-toplevel
	CommonDir    string // shared .git directory, absolute
	RemoteURL    string // origin URL, may be empty
	RepositoryID string // stable id: hex(sha256(remote or common dir))[:12]
}

// Detect resolves the repository identity for path. The id prefers the origin
// remote URL so clones of the same repository agree; repositories without a
// remote fall back to the shared .git directory, which is stable across
// worktrees of one clone.
func Detect(path string) (*Info, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root, err := gitOutput(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}

	commonDir, err := gitOutput(ctx, path, "rev-parse", "--git-common-dir")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve git common dir: %w", err)
	}
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(root, commonDir)
	}
	if abs, err := filepath.Abs(commonDir); err == nil {
		commonDir = abs
	}
	commonDir = filepath.Clean(commonDir)

	// Missing origin is normal for local-only repositories.
	remoteURL, _ := gitOutput(ctx, path, "remote", "get-url", "origin")

	seed := remoteURL
	if seed == "" {
		seed = commonDir
	}
	hash := sha256.Sum256([]byte(seed))

	return &Info{
		Root:         root,
		CommonDir:    commonDir,
		RemoteURL:    remoteURL,
		RepositoryID: hex.EncodeToString(hash[:])[:12],
	}, nil
}

// IsRepo reports whether path is inside a git repository. False on any error,
// including git not being installed.
func IsRepo(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--git-dir").Run() == nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s failed: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("failed to run git (is it installed?): %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
