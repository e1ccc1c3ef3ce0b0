package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pavel-fokin/files-intake/internal/files"
)

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,16}$`)

// Storage implements files.Backend using the filesystem
type Storage struct {
	root string
}

// NewStorage creates a new filesystem storage rooted at dataDir.
func NewStorage(dataDir string) (*Storage, error) {
	root, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Storage{root: root}, nil
}

// Root returns the absolute storage root.
func (s *Storage) Root() string {
	return s.root
}

func (s *Storage) Kind() files.Kind {
	return files.KindLocal
}

// Store writes content to root/YYYY/MM/DD/<id><ext>.
func (s *Storage) Store(ctx context.Context, id string, content io.Reader, size int64, originalName, mimeType string, uploadedAt time.Time) (*files.File, error) {
	storedName := id + Extension(originalName)
	rel := path.Join(uploadedAt.Format("2006"), uploadedAt.Format("01"), uploadedAt.Format("02"), storedName)

	fullPath, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}

	written, err := writeAtomic(ctx, fullPath, content)
	if err != nil {
		return nil, err
	}
	if size >= 0 && written != size {
		os.Remove(fullPath)
		return nil, fmt.Errorf("short write: wrote %d of %d bytes", written, size)
	}

	return &files.File{
		ID:           id,
		OriginalName: originalName,
		StoredName:   storedName,
		MimeType:     mimeType,
		Size:         written,
		UploadedAt:   uploadedAt,
		Backend:      files.KindLocal,
		Locator:      files.Locator{Path: rel},
	}, nil
}

// Retrieve checks that the blob exists and returns a stream that opens it
// on first read.
func (s *Storage) Retrieve(ctx context.Context, file *files.File) (*files.Content, error) {
	fullPath, err := s.Resolve(file.Locator.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", files.ErrBlobMissing, file.Locator.Path)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", files.ErrBlobMissing, file.Locator.Path)
	}

	return &files.Content{Body: &lazyFile{path: fullPath}}, nil
}

// Remove deletes the blob. A missing file counts as removed.
func (s *Storage) Remove(ctx context.Context, file *files.File) error {
	fullPath, err := s.Resolve(file.Locator.Path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil // File already deleted
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Resolve turns a slash-separated path relative to the root into an
// absolute path, refusing anything that escapes the root.
func (s *Storage) Resolve(rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", files.ErrOutsideRoot, rel)
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if !Within(s.root, full) || full == s.root {
		return "", fmt.Errorf("%w: %q", files.ErrOutsideRoot, rel)
	}
	return full, nil
}

// Relative converts an absolute path under root into the slash-separated
// form stored in records.
func Relative(root, abs string) (string, error) {
	root = filepath.Clean(root)
	abs = filepath.Clean(abs)
	if !filepath.IsAbs(abs) || !Within(root, abs) || abs == root {
		return "", fmt.Errorf("%w: %q", files.ErrOutsideRoot, abs)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", files.ErrOutsideRoot, err)
	}
	return filepath.ToSlash(rel), nil
}

// Within reports whether target is root or lies below it.
func Within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Extension returns the lowercased extension of name when it is safe to use
// in a stored filename, and "" otherwise.
func Extension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if !safeExt.MatchString(ext) {
		return ""
	}
	return ext
}

// writeAtomic copies content into a temp file, syncs it and renames it
// into place.
func writeAtomic(ctx context.Context, fullPath string, content io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: content})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write file content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}
	return written, nil
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// lazyFile opens the underlying file on the first Read.
type lazyFile struct {
	path string
	f    *os.File
}

func (l *lazyFile) Read(p []byte) (int, error) {
	if l.f == nil {
		f, err := os.Open(l.path)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, fmt.Errorf("%w: %s", files.ErrBlobMissing, filepath.Base(l.path))
			}
			return 0, fmt.Errorf("failed to open file: %w", err)
		}
		l.f = f
	}
	return l.f.Read(p)
}

func (l *lazyFile) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
