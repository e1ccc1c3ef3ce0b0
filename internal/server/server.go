package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pavel-fokin/files-intake/internal/files"
	"github.com/pavel-fokin/files-intake/internal/fs"
	"github.com/pavel-fokin/files-intake/internal/metastore"
	"github.com/pavel-fokin/files-intake/internal/objstore"
	"github.com/pavel-fokin/files-intake/internal/sqlite"
)

// multipartOverhead is the room left for multipart boundaries and headers
// on top of the maximum file size.
const multipartOverhead = 1 << 20

// New wires the storage components described by cfg and returns the HTTP
// server together with a cleanup function for the resources it opened.
func New(ctx context.Context, cfg *Config) (*http.Server, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	fileService, cleanup, err := NewService(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewHandler(cfg, fileService),
		ReadTimeout:  cfg.OperationTimeout + 15*time.Second,
		WriteTimeout: cfg.OperationTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}, cleanup, nil
}

// NewService picks the backend once from cfg and builds the file service
// around it.
func NewService(ctx context.Context, cfg *Config) (*files.Service, func() error, error) {
	var (
		backend files.Backend
		repo    files.Repository
		cleanup = func() error { return nil }
	)

	switch cfg.Backend {
	case "remote":
		s3cfg := objstore.Config{
			Endpoint:   cfg.S3.Endpoint,
			AccessKey:  cfg.S3.AccessKey,
			SecretKey:  cfg.S3.SecretKey,
			UseSSL:     cfg.S3.UseSSL,
			Bucket:     cfg.S3.Bucket,
			Folder:     cfg.S3.Folder,
			PublicBase: cfg.S3.PublicBase,
			ListLimit:  cfg.S3.ListLimit,
		}
		client, err := objstore.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize object storage: %w", err)
		}
		storage := objstore.NewStorage(client, s3cfg)
		backend, repo = storage, storage.Catalog()

	default:
		storage, err := fs.NewStorage(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		backend = storage

		switch cfg.MetadataDriver {
		case "sqlite":
			sqliteRepo, err := sqlite.NewRepository(cfg.DBPath, storage.Root())
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize repository: %w", err)
			}
			repo, cleanup = sqliteRepo, sqliteRepo.Close
		default:
			store, err := metastore.New(cfg.MetadataDir, storage.Root())
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize repository: %w", err)
			}
			repo = store
		}
	}

	validator := files.NewValidator(cfg.MaxSize, cfg.AllowedMimeTypes, cfg.AllowedExtensions)
	fileService := files.NewService(backend, repo, validator, files.WithTimeout(cfg.OperationTimeout))
	return fileService, cleanup, nil
}

// NewHandler returns the router serving the files API.
func NewHandler(cfg *Config, fileService *files.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", healthz)

	r.Route("/api/v1/files", func(r chi.Router) {
		r.With(limitBody(cfg.MaxSize + multipartOverhead)).Post("/", uploadFile(fileService))
		r.Get("/", listFiles(fileService))
		r.Get("/{id}", getFile(fileService))
		r.Get("/{id}/download", downloadFile(fileService))
		r.Delete("/{id}", deleteFile(fileService))
	})

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func uploadFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Parse multipart form
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				fail(w, http.StatusRequestEntityTooLarge, "request entity too large")
				return
			}
			fail(w, http.StatusBadRequest, "failed to parse multipart form")
			return
		}

		// Get file from form
		file, header, err := r.FormFile("file")
		if err != nil {
			fail(w, http.StatusBadRequest, "no file provided")
			return
		}
		defer file.Close()

		uploadReq := &files.UploadRequest{
			Name:     header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Size:     header.Size,
			Content:  file,
		}

		result, err := fileService.Upload(r.Context(), uploadReq)
		if err != nil {
			slog.Error("Upload failed", "error", err, "filename", header.Filename)
			writeError(w, err)
			return
		}

		ok(w, http.StatusCreated, result)
	}
}

func listFiles(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Invalid values parse to 0 and fall back to the defaults.
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		result, err := fileService.List(r.Context(), page, limit)
		if err != nil {
			slog.Error("List files failed", "error", err)
			writeError(w, err)
			return
		}

		ok(w, http.StatusOK, result)
	}
}

func getFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		result, err := fileService.Get(r.Context(), id)
		if err != nil {
			if !errors.Is(err, files.ErrNotFound) {
				slog.Error("Get file failed", "error", err, "file_id", id)
			}
			writeError(w, err)
			return
		}

		ok(w, http.StatusOK, result)
	}
}

func downloadFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		slog.Info("Downloading file", "file_id", id)

		file, content, err := fileService.Download(r.Context(), id)
		if err != nil {
			if !errors.Is(err, files.ErrNotFound) {
				slog.Error("Download failed", "error", err, "file_id", id)
			}
			writeError(w, err)
			return
		}

		if content.RedirectURL != "" {
			http.Redirect(w, r, content.RedirectURL, http.StatusFound)
			return
		}
		defer content.Body.Close()

		// Streams are bounded by the client, not by the server WriteTimeout.
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			slog.Warn("Failed to clear write deadline", "error", err, "file_id", id)
		}

		// Set response headers
		w.Header().Set("Content-Type", file.MimeType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.OriginalName}))
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
		w.WriteHeader(http.StatusOK)

		// Stream file content
		if _, err := io.Copy(w, content.Body); err != nil {
			slog.Error("Streaming file failed", "error", err, "file_id", id)
		}
	}
}

func deleteFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		slog.Info("Deleting file", "file_id", id)

		result, err := fileService.Delete(r.Context(), id)
		if err != nil {
			if errors.Is(err, files.ErrNotFound) {
				writeError(w, err)
				return
			}
			slog.Error("Delete failed", "error", err, "file_id", id)
			var inconsistency *files.InconsistencyError
			if errors.As(err, &inconsistency) {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusInternalServerError, Envelope{
				Success: false,
				Error:   "delete failed",
				Data:    result,
			})
			return
		}

		ok(w, http.StatusOK, result)
	}
}

func limitBody(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests with structured logging
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// Process the request
		next.ServeHTTP(wrapped, r)

		slog.Info("HTTP request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
