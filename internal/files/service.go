package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

// Service provides application-level file operations
type Service struct {
	backend   Backend
	repo      Repository
	validator *Validator
	newID     IDGenerator
	now       func() time.Time
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator replaces NewID.
func WithIDGenerator(gen IDGenerator) Option {
	return func(s *Service) { s.newID = gen }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTimeout bounds every backend and repository call. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithLogger sets the logger used for upload, delete and inconsistency events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a new file service
func NewService(backend Backend, repo Repository, validator *Validator, opts ...Option) *Service {
	s := &Service{
		backend:   backend,
		repo:      repo,
		validator: validator,
		newID:     NewID,
		now:       time.Now,
		timeout:   30 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "files"), slog.String("backend", string(backend.Kind())))
	return s
}

// UploadRequest represents a file upload request
type UploadRequest struct {
	Name     string
	MimeType string
	// Size is the declared size; -1 when unknown.
	Size    int64
	Content io.Reader
}

// Page is one page of the newest-first file listing.
type Page struct {
	Files      []*File `json:"files"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	TotalPages int     `json:"total_pages"`
	HasNext    bool    `json:"has_next"`
	HasPrev    bool    `json:"has_prev"`
}

// DeleteResult reports which halves of a delete went through.
type DeleteResult struct {
	ID            string `json:"id"`
	BlobRemoved   bool   `json:"blob_removed"`
	RecordRemoved bool   `json:"record_removed"`
}

// Upload validates the file, stores its bytes and then its metadata record.
func (s *Service) Upload(ctx context.Context, req *UploadRequest) (*File, error) {
	if req.Size >= 0 {
		if err := s.validator.ValidateSize(req.Size); err != nil {
			return nil, err
		}
	}

	// Read one byte past the ceiling so oversized bodies are detected.
	data, err := io.ReadAll(io.LimitReader(req.Content, s.validator.MaxSize()+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	size := int64(len(data))

	if req.Size >= 0 && req.Size != size {
		return nil, &ValidationError{
			Constraint: "size",
			Message:    fmt.Sprintf("declared size %d does not match received %d bytes", req.Size, size),
		}
	}

	// An undeclared type is sniffed from the content and validated like a
	// declared one.
	mimeType := NormalizeMimeType(req.MimeType)
	if mimeType == "" {
		mimeType = NormalizeMimeType(http.DetectContentType(data))
	}
	if err := s.validator.Validate(mimeType, req.Name, size); err != nil {
		return nil, err
	}

	id := s.newID()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	file, err := s.backend.Store(ctx, id, bytes.NewReader(data), size, req.Name, mimeType, s.now().UTC())
	if err != nil {
		s.logger.Error("Failed to store blob", "file_id", id, "error", err)
		return nil, &StorageError{Op: "store blob", Err: err}
	}

	if err := s.repo.Create(ctx, file); err != nil {
		inconsistency := &InconsistencyError{
			Op:         "upload",
			ID:         file.ID,
			StoredName: file.StoredName,
			BlobDone:   true,
			RecordDone: false,
			Err:        err,
		}
		s.logger.Error("Blob stored without metadata record",
			"file_id", file.ID,
			"stored_name", file.StoredName,
			"locator_path", file.Locator.Path,
			"locator_handle", file.Locator.Handle,
			"error", err,
		)
		return nil, inconsistency
	}

	s.logger.Info("File uploaded",
		"file_id", file.ID,
		"name", file.OriginalName,
		"size", humanize.IBytes(uint64(file.Size)),
		"mime_type", file.MimeType,
	)

	return file, nil
}

// Get returns the metadata record for id.
func (s *Service) Get(ctx context.Context, id string) (*File, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	file, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "find record", Err: err}
	}
	return file, nil
}

// List returns one page of records, newest first. Page and limit values
// below 1 fall back to the defaults.
func (s *Service) List(ctx context.Context, page, limit int) (*Page, error) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list records", Err: err}
	}

	// page*limit may overflow; pages past the end are empty.
	total := len(all)
	start := total
	if page-1 <= total/limit {
		start = min((page-1)*limit, total)
	}
	end := start + min(limit, total-start)

	return &Page{
		Files:      append([]*File{}, all[start:end]...),
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
		HasNext:    end < total,
		HasPrev:    page > 1,
	}, nil
}

// Download returns the record and either a lazily opened stream or a
// redirect location. The caller must close Content.Body when it is set.
func (s *Service) Download(ctx context.Context, id string) (*File, *Content, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	content, err := s.backend.Retrieve(ctx, file)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("Record without blob", "file_id", id, "stored_name", file.StoredName, "error", err)
			return nil, nil, err
		}
		return nil, nil, &StorageError{Op: "retrieve blob", Err: err}
	}
	return file, content, nil
}

// Delete removes the blob and then the record. A blob removal failure
// keeps the record so the delete can be retried.
func (s *Service) Delete(ctx context.Context, id string) (*DeleteResult, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := &DeleteResult{ID: id}

	if err := s.backend.Remove(ctx, file); err != nil {
		s.logger.Error("Failed to remove blob, record kept", "file_id", id, "stored_name", file.StoredName, "error", err)
		return result, &StorageError{Op: "remove blob", Err: err}
	}
	result.BlobRemoved = true

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Removed concurrently; nothing is left behind.
			result.RecordRemoved = true
			return result, nil
		}
		s.logger.Error("Blob removed but metadata record remains",
			"file_id", id,
			"stored_name", file.StoredName,
			"error", err,
		)
		return result, &InconsistencyError{
			Op:         "delete",
			ID:         id,
			StoredName: file.StoredName,
			BlobDone:   true,
			RecordDone: false,
			Err:        err,
		}
	}
	result.RecordRemoved = true

	s.logger.Info("File deleted", "file_id", id)
	return result, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
