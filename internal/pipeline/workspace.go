package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the per-member scratch directory holding the downloaded source
// and its rasterized pages. Members own disjoint workspaces keyed by id, so
// no cross-member locking is needed.
type Workspace struct {
	dir string
}

// OpenWorkspace creates (idempotently) the scratch directory for a member.
func OpenWorkspace(root, memberID string) (*Workspace, error) {
	dir := workspaceDir(root, memberID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory path.
func (w *Workspace) Dir() string { return w.dir }

// SourcePath is where the downloaded composite document lives.
func (w *Workspace) SourcePath() string {
	return filepath.Join(w.dir, "source")
}

// PagePath is where the rasterized image for a 1-based page number lives.
func (w *Workspace) PagePath(page int, ext string) string {
	return filepath.Join(w.dir, fmt.Sprintf("page_%04d.%s", page, ext))
}

// RemoveWorkspace deletes a member's scratch directory. Removing a workspace
// that is already gone is not an error.
func RemoveWorkspace(root, memberID string) error {
	return os.RemoveAll(workspaceDir(root, memberID))
}

func workspaceDir(root, memberID string) string {
	return filepath.Join(root, "composites", memberID)
}
