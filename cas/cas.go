// Package cas implements the content-addressed blob store used to hold
// document attachments extracted by the dx engine. A blob's location is
// derived entirely from its SHA-256 digest, so two callers writing the
// same bytes converge on the same file.
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	eve "notesync.evalgo.org/common"
)

const chunkSize = 1 << 20 // 1 MiB

// Mirror is satisfied by storage.Mirror. Store does not import the storage
// package directly, so a caller who does not need S3 replication never
// pulls in the AWS SDK.
type Mirror interface {
	Upload(ctx context.Context, objectKey, localPath string) error
}

// Store is a content-addressed blob store rooted at a local directory.
// A non-nil Mirror causes every successful Put to also be copied to
// off-box storage; mirror failures are logged, not propagated, since the
// local write already succeeded.
type Store struct {
	root     string
	fellBack bool
	Mirror   Mirror
}

// NewStore creates a Store rooted at root, creating the directory if
// necessary. If root cannot be created or is not writable, NewStore falls
// back to a process-local temporary directory and logs once.
func NewStore(root string) *Store {
	s := &Store{root: root}
	if err := os.MkdirAll(root, 0o755); err != nil || !writable(root) {
		fallback, ferr := os.MkdirTemp("", "notes_cas")
		if ferr != nil {
			// last resort: use the requested root anyway, later Put calls
			// will surface the real error.
			return s
		}
		s.root = fallback
		s.fellBack = true
		eve.Logger.WithField("root", root).WithField("fallback", fallback).
			Warn("cas: root not writable, falling back to temporary directory")
	}
	return s
}

func writable(dir string) bool {
	probe := filepath.Join(dir, ".cas-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// Root returns the effective root directory (possibly the fallback).
func (s *Store) Root() string { return s.root }

// Put streams localPath, computes its SHA-256 digest, and copies it into
// the CAS layout <root>/<hh>/<hh>/<64-hex>.bin. If the destination already
// exists the copy is skipped. The final placement is via a temp-file then
// atomic rename, so concurrent callers writing the same content never
// observe a partial file.
func (s *Store) Put(ctx context.Context, localPath string) (digest [32]byte, relPath string, size int64, err error) {
	f, err := os.Open(localPath)
	if err != nil {
		return digest, "", 0, fmt.Errorf("cas: open %s: %w", localPath, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return digest, "", 0, fmt.Errorf("cas: read %s: %w", localPath, rerr)
		}
	}
	copy(digest[:], h.Sum(nil))
	hexDigest := hex.EncodeToString(digest[:])
	relPath = filepath.Join(hexDigest[0:2], hexDigest[2:4], hexDigest+".bin")
	dest := filepath.Join(s.root, relPath)

	if _, statErr := os.Stat(dest); statErr == nil {
		s.mirror(ctx, relPath, dest)
		return digest, relPath, size, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return digest, "", 0, fmt.Errorf("cas: mkdir for %s: %w", dest, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return digest, "", 0, fmt.Errorf("cas: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return digest, "", 0, fmt.Errorf("cas: seek %s: %w", localPath, err)
	}
	if _, err := io.Copy(tmp, f); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return digest, "", 0, fmt.Errorf("cas: copy into %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return digest, "", 0, fmt.Errorf("cas: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		// Another writer may have won the race; treat an existing dest as success.
		if _, statErr := os.Stat(dest); statErr == nil {
			os.Remove(tmpPath)
			s.mirror(ctx, relPath, dest)
			return digest, relPath, size, nil
		}
		os.Remove(tmpPath)
		return digest, "", 0, fmt.Errorf("cas: rename into place: %w", err)
	}

	s.mirror(ctx, relPath, dest)
	return digest, relPath, size, nil
}

func (s *Store) mirror(ctx context.Context, relPath, dest string) {
	if s.Mirror == nil {
		return
	}
	if err := s.Mirror.Upload(ctx, relPath, dest); err != nil {
		eve.Logger.WithField("relpath", relPath).WithError(err).Warn("cas: mirror upload failed")
	}
}

// AbsPath returns the absolute on-disk path for a relative CAS path as
// produced by Put.
func (s *Store) AbsPath(relPath string) string {
	return filepath.Join(s.root, relPath)
}
