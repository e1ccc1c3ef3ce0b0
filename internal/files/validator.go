package files

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Validator checks uploads against a size ceiling and two allow-lists.
type Validator struct {
	maxSize    int64
	mimeTypes  map[string]struct{}
	extensions map[string]struct{}
}

// NewValidator creates a validator. Extensions may be given with or
// without the leading dot; matching is case-insensitive.
func NewValidator(maxSize int64, mimeTypes, extensions []string) *Validator {
	v := &Validator{
		maxSize:    maxSize,
		mimeTypes:  make(map[string]struct{}, len(mimeTypes)),
		extensions: make(map[string]struct{}, len(extensions)),
	}
	for _, m := range mimeTypes {
		v.mimeTypes[NormalizeMimeType(m)] = struct{}{}
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		v.extensions[ext] = struct{}{}
	}
	return v
}

// MaxSize returns the configured ceiling in bytes.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// Validate returns nil or a *ValidationError.
func (v *Validator) Validate(mimeType, fileName string, size int64) error {
	if err := v.ValidateSize(size); err != nil {
		return err
	}

	if _, ok := v.mimeTypes[NormalizeMimeType(mimeType)]; !ok {
		return &ValidationError{
			Constraint: "mime_type",
			Message:    fmt.Sprintf("type %q is not allowed", mimeType),
		}
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if _, ok := v.extensions[ext]; !ok {
		return &ValidationError{
			Constraint: "extension",
			Message:    fmt.Sprintf("extension %q is not allowed", ext),
		}
	}

	return nil
}

// ValidateSize checks only the size ceiling.
func (v *Validator) ValidateSize(size int64) error {
	if size < 0 {
		return &ValidationError{Constraint: "size", Message: "size must not be negative"}
	}
	if size > v.maxSize {
		return &ValidationError{
			Constraint: "size",
			Message: fmt.Sprintf("%s exceeds the maximum of %s",
				humanize.IBytes(uint64(size)), humanize.IBytes(uint64(v.maxSize))),
		}
	}
	return nil
}

// NormalizeMimeType drops parameters such as charset and lowercases the type.
func NormalizeMimeType(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i != -1 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
