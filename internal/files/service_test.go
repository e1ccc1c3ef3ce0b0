package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBackend struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	storeErr  error
	removeErr error
	block     bool
	stores    int
}

func newMemBackend() *memBackend {
	return &memBackend{blobs: map[string][]byte{}}
}

func (b *memBackend) Kind() Kind { return KindLocal }

func (b *memBackend) Store(ctx context.Context, id string, content io.Reader, size int64, originalName, mimeType string, uploadedAt time.Time) (*File, error) {
	b.mu.Lock()
	b.stores++
	b.mu.Unlock()

	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.storeErr != nil {
		return nil, b.storeErr
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.blobs[id] = data
	b.mu.Unlock()

	return &File{
		ID:           id,
		OriginalName: originalName,
		StoredName:   id,
		MimeType:     mimeType,
		Size:         int64(len(data)),
		UploadedAt:   uploadedAt,
		Backend:      KindLocal,
		Locator:      Locator{Path: id},
	}, nil
}

func (b *memBackend) Retrieve(ctx context.Context, file *File) (*Content, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[file.ID]
	if !ok {
		return nil, ErrBlobMissing
	}
	return &Content{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (b *memBackend) Remove(ctx context.Context, file *File) error {
	if b.removeErr != nil {
		return b.removeErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, file.ID)
	return nil
}

func (b *memBackend) has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[id]
	return ok
}

type memRepo struct {
	mu        sync.Mutex
	records   map[string]*File
	createErr error
	deleteErr error
	listErr   error
}

func newMemRepo() *memRepo {
	return &memRepo{records: map[string]*File{}}
}

func (r *memRepo) Create(ctx context.Context, file *File) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[file.ID] = file
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, id string) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f, nil
}

func (r *memRepo) List(ctx context.Context) ([]*File, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*File, 0, len(r.records))
	for _, f := range r.records {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UploadedAt.After(list[j].UploadedAt) })
	return list, nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return ErrNotFound
	}
	delete(r.records, id)
	return nil
}

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func setupService(t *testing.T, opts ...Option) (*Service, *memBackend, *memRepo) {
	t.Helper()
	backend := newMemBackend()
	repo := newMemRepo()
	validator := NewValidator(64, []string{"text/plain", "image/jpeg"}, []string{".txt", ".jpg"})
	opts = append([]Option{WithClock(stepClock())}, opts...)
	return NewService(backend, repo, validator, opts...), backend, repo
}

func uploadText(t *testing.T, s *Service, name, content string) *File {
	t.Helper()
	f, err := s.Upload(context.Background(), &UploadRequest{
		Name:     name,
		MimeType: "text/plain",
		Size:     int64(len(content)),
		Content:  strings.NewReader(content),
	})
	require.NoError(t, err)
	return f
}

func TestUploadThenGet(t *testing.T) {
	s, _, _ := setupService(t)

	uploaded := uploadText(t, s, "notes.txt", "hello")
	assert.True(t, ValidID(uploaded.ID))

	got, err := s.Get(context.Background(), uploaded.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", got.OriginalName)
	assert.Equal(t, "text/plain", got.MimeType)
	assert.Equal(t, int64(5), got.Size)
}

func TestUnknownIDsAreNotFound(t *testing.T) {
	s, _, _ := setupService(t)
	ctx := context.Background()

	for _, id := range []string{NewID(), "not-a-uuid", "../../etc/passwd", ""} {
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, id)

		_, _, err = s.Download(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, id)

		_, err = s.Delete(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}
}

func TestUploadValidationHappensBeforeStore(t *testing.T) {
	tests := []struct {
		name       string
		req        *UploadRequest
		constraint string
	}{
		{
			name:       "declared size over max",
			req:        &UploadRequest{Name: "a.txt", MimeType: "text/plain", Size: 65, Content: strings.NewReader("x")},
			constraint: "size",
		},
		{
			name:       "observed size over max",
			req:        &UploadRequest{Name: "a.txt", MimeType: "text/plain", Size: -1, Content: strings.NewReader(strings.Repeat("x", 65))},
			constraint: "size",
		},
		{
			name:       "declared size mismatch",
			req:        &UploadRequest{Name: "a.txt", MimeType: "text/plain", Size: 3, Content: strings.NewReader("hello")},
			constraint: "size",
		},
		{
			name:       "mime allowed but extension is not",
			req:        &UploadRequest{Name: "file.exe", MimeType: "image/jpeg", Size: 1, Content: strings.NewReader("x")},
			constraint: "extension",
		},
		{
			name:       "mime not allowed",
			req:        &UploadRequest{Name: "a.txt", MimeType: "application/pdf", Size: 1, Content: strings.NewReader("x")},
			constraint: "mime_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, backend, repo := setupService(t)

			_, err := s.Upload(context.Background(), tt.req)

			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.constraint, validationErr.Constraint)
			assert.Zero(t, backend.stores)
			assert.Empty(t, repo.records)
		})
	}
}

func TestUploadSniffsUndeclaredType(t *testing.T) {
	s, _, _ := setupService(t)

	f, err := s.Upload(context.Background(), &UploadRequest{
		Name: "notes.txt", Size: -1, Content: strings.NewReader("plain words"),
	})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", f.MimeType)

	_, err = s.Upload(context.Background(), &UploadRequest{
		Name: "image.txt", Size: -1, Content: strings.NewReader("\x89PNG\r\n\x1a\n0000"),
	})
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr), "expected ValidationError, got %v", err)
	assert.Equal(t, "mime_type", validationErr.Constraint)
}

func TestUploadExactlyMaxSize(t *testing.T) {
	s, _, _ := setupService(t)

	f := uploadText(t, s, "max.txt", strings.Repeat("x", 64))
	assert.Equal(t, int64(64), f.Size)
}

func TestUploadStoreFailure(t *testing.T) {
	s, backend, repo := setupService(t)
	backend.storeErr = errors.New("disk full")

	_, err := s.Upload(context.Background(), &UploadRequest{
		Name: "a.txt", MimeType: "text/plain", Size: 1, Content: strings.NewReader("x"),
	})

	assert.ErrorIs(t, err, ErrStorage)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "store blob", storageErr.Op)
	assert.Empty(t, repo.records)
}

func TestUploadMetadataFailureIsInconsistency(t *testing.T) {
	s, backend, repo := setupService(t)
	repo.createErr = errors.New("metadata volume read-only")

	_, err := s.Upload(context.Background(), &UploadRequest{
		Name: "a.txt", MimeType: "text/plain", Size: 1, Content: strings.NewReader("x"),
	})

	var inconsistency *InconsistencyError
	require.True(t, errors.As(err, &inconsistency), "expected InconsistencyError, got %v", err)
	assert.Equal(t, "upload", inconsistency.Op)
	assert.True(t, inconsistency.BlobDone)
	assert.False(t, inconsistency.RecordDone)
	assert.True(t, backend.has(inconsistency.ID), "orphaned blob is left for reconciliation")
}

func TestUploadTimesOut(t *testing.T) {
	s, backend, _ := setupService(t, WithTimeout(20*time.Millisecond))
	backend.block = true

	_, err := s.Upload(context.Background(), &UploadRequest{
		Name: "a.txt", MimeType: "text/plain", Size: 1, Content: strings.NewReader("x"),
	})

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDownload(t *testing.T) {
	s, backend, _ := setupService(t)
	f := uploadText(t, s, "notes.txt", "payload")

	got, content, err := s.Download(context.Background(), f.ID)
	require.NoError(t, err)
	defer content.Body.Close()

	data, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, f.ID, got.ID)

	// Record present, blob gone.
	delete(backend.blobs, f.ID)
	_, _, err = s.Download(context.Background(), f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrBlobMissing)
}

func TestDeleteTwice(t *testing.T) {
	s, backend, repo := setupService(t)
	f := uploadText(t, s, "notes.txt", "bye")

	result, err := s.Delete(context.Background(), f.ID)
	require.NoError(t, err)
	assert.True(t, result.BlobRemoved)
	assert.True(t, result.RecordRemoved)
	assert.False(t, backend.has(f.ID))
	assert.Empty(t, repo.records)

	_, err = s.Delete(context.Background(), f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteBlobFailureKeepsRecord(t *testing.T) {
	s, backend, repo := setupService(t)
	f := uploadText(t, s, "notes.txt", "keep")
	backend.removeErr = errors.New("network unreachable")

	result, err := s.Delete(context.Background(), f.ID)
	assert.ErrorIs(t, err, ErrStorage)
	require.NotNil(t, result)
	assert.False(t, result.BlobRemoved)
	assert.False(t, result.RecordRemoved)
	assert.Contains(t, repo.records, f.ID)

	// Retry once the backend recovers.
	backend.removeErr = nil
	result, err = s.Delete(context.Background(), f.ID)
	require.NoError(t, err)
	assert.True(t, result.BlobRemoved && result.RecordRemoved)
}

func TestDeleteRecordFailureIsInconsistency(t *testing.T) {
	s, backend, repo := setupService(t)
	f := uploadText(t, s, "notes.txt", "half")
	repo.deleteErr = fs.ErrPermission

	result, err := s.Delete(context.Background(), f.ID)

	var inconsistency *InconsistencyError
	require.True(t, errors.As(err, &inconsistency), "expected InconsistencyError, got %v", err)
	assert.Equal(t, "delete", inconsistency.Op)
	assert.True(t, inconsistency.BlobDone)
	assert.False(t, inconsistency.RecordDone)
	assert.True(t, result.BlobRemoved)
	assert.False(t, result.RecordRemoved)
	assert.False(t, backend.has(f.ID))
}

func TestListPagination(t *testing.T) {
	s, _, _ := setupService(t)
	uploadText(t, s, "a.txt", "A")
	b := uploadText(t, s, "b.txt", "B")
	uploadText(t, s, "c.txt", "C")

	page, err := s.List(context.Background(), 2, 1)
	require.NoError(t, err)

	require.Len(t, page.Files, 1)
	assert.Equal(t, b.ID, page.Files[0].ID)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.True(t, page.HasPrev)
}

func TestListDefaultsAndClamping(t *testing.T) {
	s, _, _ := setupService(t)
	uploadText(t, s, "a.txt", "A")
	c := uploadText(t, s, "c.txt", "C")

	tests := []struct {
		name          string
		page, limit   int
		expectedPage  int
		expectedLimit int
		expectedLen   int
	}{
		{name: "zero values", page: 0, limit: 0, expectedPage: 1, expectedLimit: 10, expectedLen: 2},
		{name: "negative values", page: -3, limit: -1, expectedPage: 1, expectedLimit: 10, expectedLen: 2},
		{name: "limit above cap", page: 1, limit: 1000, expectedPage: 1, expectedLimit: MaxLimit, expectedLen: 2},
		{name: "page past end", page: 5, limit: 10, expectedPage: 5, expectedLimit: 10, expectedLen: 0},
		{name: "huge page", page: math.MaxInt, limit: 10, expectedPage: math.MaxInt, expectedLimit: 10, expectedLen: 0},
		{name: "huge page and limit", page: math.MaxInt, limit: math.MaxInt, expectedPage: math.MaxInt, expectedLimit: MaxLimit, expectedLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.List(context.Background(), tt.page, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedPage, page.Page)
			assert.Equal(t, tt.expectedLimit, page.Limit)
			assert.Len(t, page.Files, tt.expectedLen)
			assert.False(t, page.HasNext)
		})
	}

	page, err := s.List(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, c.ID, page.Files[0].ID, "newest first")
	assert.False(t, page.HasPrev)
}

func TestListFailure(t *testing.T) {
	s, _, repo := setupService(t)
	repo.listErr = errors.New("provider timeout")

	_, err := s.List(context.Background(), 1, 10)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestConcurrentIdenticalUploads(t *testing.T) {
	s, _, repo := setupService(t)

	const n = 16
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := s.Upload(context.Background(), &UploadRequest{
				Name: "same.txt", MimeType: "text/plain", Size: 4, Content: strings.NewReader("same"),
			})
			if assert.NoError(t, err) {
				ids <- f.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, repo.records, n)
}
