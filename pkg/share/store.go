package share

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/types"
)

// Per-job subdirectory names inside the share
const (
	InputDirName   = "inputs"
	OutputDirName  = "outputs"
	ArchiveDirName = "archives"
	StateDirName   = "states"
)

// uploadChunkSize is the streaming copy buffer for uploads (1 MiB)
const uploadChunkSize = 1 << 20

// Store is the single choke point for every path inside the shared storage.
// All ids are validated against the UUID pattern and every resolved path is
// checked to stay inside the job subtree, so untrusted names cannot escape.
type Store struct {
	root string
}

// NewStore creates a store rooted at shareDir, creating it if needed
func NewStore(shareDir string) (*Store, error) {
	abs, err := filepath.Abs(shareDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve share dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create share dir: %w", err)
	}
	// resolve symlinks once so later prefix checks compare real paths
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve share dir: %w", err)
	}
	return &Store{root: resolved}, nil
}

// Root returns the resolved share root
func (s *Store) Root() string {
	return s.root
}

// JobDir returns the job's top directory, validating the id
func (s *Store) JobDir(jobID string) (string, error) {
	if !types.IsValidJobID(jobID) {
		return "", fmt.Errorf("%w: invalid job id %q", types.ErrInvalidPath, jobID)
	}
	return filepath.Join(s.root, jobID), nil
}

// resolveInside joins name under the job subdirectory dir, creating dir when
// create is set, and verifies the resolved path stays inside the job subtree
func (s *Store) resolveInside(jobID, dir, name string, create bool) (string, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	base := filepath.Join(jobDir, dir)
	if create {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", fmt.Errorf("failed to create %s dir: %w", dir, err)
		}
	}
	if name == "" {
		return base, nil
	}
	full := filepath.Join(base, name)
	resolved := resolveExistingSymlinks(full)
	if !strings.HasPrefix(resolved, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: invalid file path %q", types.ErrInvalidPath, filepath.Join(dir, name))
	}
	return full, nil
}

// resolveExistingSymlinks resolves symlinks for the deepest existing ancestor
// of path, then re-joins the remainder lexically. filepath.EvalSymlinks fails
// on paths that do not exist yet, which uploads legitimately are.
func resolveExistingSymlinks(path string) string {
	remainder := ""
	current := filepath.Clean(path)
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(path)
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// InputDir returns (and creates) the job's inputs directory
func (s *Store) InputDir(jobID string) (string, error) {
	return s.resolveInside(jobID, InputDirName, "", true)
}

// OutputDir returns (and creates) the job's outputs directory
func (s *Store) OutputDir(jobID string) (string, error) {
	return s.resolveInside(jobID, OutputDirName, "", true)
}

// InputPath returns the validated path of name inside the inputs directory
func (s *Store) InputPath(jobID, name string) (string, error) {
	return s.resolveInside(jobID, InputDirName, name, true)
}

// OutputPath returns the validated path of name inside the outputs directory.
// With mustExist the file is stat'ed and ErrPathNotFound returned when absent.
func (s *Store) OutputPath(jobID, name string, mustExist bool) (string, error) {
	path, err := s.resolveInside(jobID, OutputDirName, name, false)
	if err != nil {
		return "", err
	}
	if mustExist {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: file %q not found", types.ErrPathNotFound, name)
		}
	}
	return path, nil
}

// ArchivePath returns the validated path of the job archive for ext
func (s *Store) ArchivePath(jobID, ext string) (string, error) {
	return s.resolveInside(jobID, ArchiveDirName, jobID+"."+ext, true)
}

// StatePath returns the path of the hidden state marker for kind
func (s *Store) StatePath(jobID, kind string) (string, error) {
	return s.resolveInside(jobID, StateDirName, "."+kind+".state", true)
}

// ListOutputs returns the slash-relative paths of every file under the
// job's outputs directory, nested folders included
func (s *Store) ListOutputs(jobID string) ([]string, error) {
	dir, err := s.resolveInside(jobID, OutputDirName, "", false)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: job %q has no outputs", types.ErrPathNotFound, jobID)
		}
		return nil, err
	}
	names := []string{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// IsJobInShare reports whether the job's directory exists
func (s *Store) IsJobInShare(jobID string) (bool, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(dir)
	return err == nil, nil
}

// IsPathInShare reports whether full, after symlink resolution, lies inside
// the share root and exists
func (s *Store) IsPathInShare(full string) bool {
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return false
	}
	return strings.HasPrefix(resolved, s.root+string(os.PathSeparator)) || resolved == s.root
}

// IsValidJobDir reports whether path is an existing directory named after a
// job UUID. Used as the last sanity check before a recursive delete.
func (s *Store) IsValidJobDir(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return false
	}
	return types.IsValidJobID(filepath.Base(resolved))
}

// StreamUpload streams r into dst in large chunks, fsyncs the file on close
// and leaves it world readable so workers on other hosts can open it
func (s *Store) StreamUpload(dst string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer f.Close()

	buf := make([]byte, uploadChunkSize)
	written, err := io.CopyBuffer(f, r, buf)
	if err != nil {
		return written, fmt.Errorf("failed to stream upload: %w", err)
	}
	if err := f.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync upload: %w", err)
	}
	if err := os.Chmod(dst, 0o644); err != nil {
		log.Logger.Warn().Err(err).Str("path", dst).Msg("failed to chmod upload")
	}
	return written, nil
}

// Remove deletes a file or, for directories, re-verifies containment and the
// job UUID layout before a recursive delete. Missing paths are a warning,
// not an error: double cleanup converges on the same end state.
func (s *Store) Remove(path string, isDir bool) error {
	if !isDir {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			log.Logger.Warn().Str("path", path).Msg("cleanup target already gone")
			return nil
		}
		return err
	}
	if !s.IsPathInShare(path) || !s.IsValidJobDir(path) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Logger.Warn().Str("path", path).Msg("cleanup target already gone")
			return nil
		}
		log.Logger.Warn().Str("path", path).Msg("sanity check failed before removing directory")
		return fmt.Errorf("%w: refusing to remove %q", types.ErrInvalidPath, path)
	}
	return os.RemoveAll(path)
}
