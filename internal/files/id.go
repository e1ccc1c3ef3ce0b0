package files

import "github.com/google/uuid"

// IDGenerator produces file identifiers.
type IDGenerator func() string

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id looks like an identifier NewID could produce.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}
