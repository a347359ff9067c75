// Package artifacts is the filesystem blob store behind robot version
// bundles and run outputs. Version bundles are content addressed by
// their sha256 digest so republishing identical bytes is free; run
// outputs live under a per-run directory next to the run's log file.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrDigestMismatch is returned when stored bytes do not hash to the
// digest they were requested under.
var ErrDigestMismatch = fmt.Errorf("artifact digest mismatch")

// Store keeps blobs and run outputs under a single root directory.
//
//	<root>/blobs/<aa>/<digest>         version bundles, content addressed
//	<root>/runs/<run_id>/run.log       full stdout/stderr capture
//	<root>/runs/<run_id>/outputs/<f>   registered run artifacts
type Store struct {
	root string
}

// New creates the store layout under root.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts root: %w", err)
	}
	for _, dir := range []string{abs, filepath.Join(abs, "blobs"), filepath.Join(abs, "runs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifacts dir: %w", err)
		}
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.root, "blobs", digest[:2], digest)
}

// PutBlob streams r into the blob area and returns its sha256 digest
// and size. The write goes through a temp file so a crash never leaves
// a half-written blob under its final name.
func (s *Store) PutBlob(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "blobs"), "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create blob temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("write blob: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	final := s.blobPath(digest)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", 0, fmt.Errorf("create blob shard dir: %w", err)
	}
	if _, err := os.Stat(final); err == nil {
		return digest, size, nil
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, fmt.Errorf("store blob: %w", err)
	}
	return digest, size, nil
}

// OpenBlob opens a stored blob and verifies the digest exists.
func (s *Store) OpenBlob(digest string) (io.ReadCloser, error) {
	if len(digest) < 3 {
		return nil, fmt.Errorf("invalid digest %q", digest)
	}
	f, err := os.Open(s.blobPath(digest))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", digest, err)
	}
	return f, nil
}

// HasBlob reports whether a blob with the digest is already stored.
func (s *Store) HasBlob(digest string) bool {
	if len(digest) < 3 {
		return false
	}
	_, err := os.Stat(s.blobPath(digest))
	return err == nil
}

// FetchBlob copies the blob to dst, re-hashing on the way out. A blob
// that no longer matches its digest is reported, not silently run.
func (s *Store) FetchBlob(digest, dst string) error {
	src, err := s.OpenBlob(digest)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, h), src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copy blob %s: %w", digest, err)
	}
	if hex.EncodeToString(h.Sum(nil)) != digest {
		return fmt.Errorf("%w: blob %s", ErrDigestMismatch, digest)
	}
	return nil
}

// RunDir creates and returns the directory for one run's outputs.
func (s *Store) RunDir(runID string) (string, error) {
	dir := filepath.Join(s.root, "runs", runID)
	if err := os.MkdirAll(filepath.Join(dir, "outputs"), 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// RunLogPath is where the full captured output of a run is written.
func (s *Store) RunLogPath(runID string) string {
	return filepath.Join(s.root, "runs", runID, "run.log")
}

// SaveRunOutput copies a produced file into the run's outputs dir and
// returns the root-relative path and size for registration.
func (s *Store) SaveRunOutput(runID, name, srcPath string) (string, int64, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", 0, fmt.Errorf("invalid artifact name %q", name)
	}
	dir, err := s.RunDir(runID)
	if err != nil {
		return "", 0, err
	}
	dst := filepath.Join(dir, "outputs", name)

	src, err := os.Open(srcPath)
	if err != nil {
		return "", 0, fmt.Errorf("open output %s: %w", srcPath, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", dst, err)
	}
	size, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("copy output %s: %w", name, err)
	}

	rel, err := filepath.Rel(s.root, dst)
	if err != nil {
		return "", 0, fmt.Errorf("relativize output path: %w", err)
	}
	return rel, size, nil
}

// Resolve maps a stored root-relative path back to an absolute one,
// rejecting anything that escapes the root.
func (s *Store) Resolve(rel string) (string, error) {
	abs := filepath.Join(s.root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes artifacts root", rel)
	}
	return abs, nil
}

// RemoveRunDir deletes a run's directory with everything in it.
func (s *Store) RemoveRunDir(runID string) error {
	if runID == "" {
		return fmt.Errorf("empty run id")
	}
	return os.RemoveAll(filepath.Join(s.root, "runs", runID))
}

// Remove deletes one stored file by root-relative path.
func (s *Store) Remove(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}
