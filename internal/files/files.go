package files

import (
	"context"
	"io"
	"time"
)

// Kind identifies the backend that owns a file record.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Locator tells a backend where the bytes of a file live.
// Local records use Path, remote records use URL and Handle.
type Locator struct {
	// Path is slash-separated and relative to the storage root.
	Path   string `json:"path,omitempty"`
	URL    string `json:"url,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// File represents the metadata of a stored file
type File struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	StoredName   string    `json:"stored_name"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploaded_at"`
	Backend      Kind      `json:"backend"`
	Locator      Locator   `json:"locator"`
}

// Content is what a backend hands back for a download: either a lazily
// opened byte stream or a location the caller should redirect to.
type Content struct {
	Body        io.ReadCloser
	RedirectURL string
}

// Backend defines the interface for the physical file storage
type Backend interface {
	Kind() Kind
	Store(ctx context.Context, id string, content io.Reader, size int64, originalName, mimeType string, uploadedAt time.Time) (*File, error)
	Retrieve(ctx context.Context, file *File) (*Content, error)
	// Remove reports success when the blob is already gone.
	Remove(ctx context.Context, file *File) error
}

// Repository defines the interface for storing and retrieving file metadata
type Repository interface {
	Create(ctx context.Context, file *File) error
	FindByID(ctx context.Context, id string) (*File, error)
	// List returns every record, newest first.
	List(ctx context.Context) ([]*File, error)
	Delete(ctx context.Context, id string) error
}
