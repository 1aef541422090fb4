package confluence

import "github.com/google/uuid"

// NewID returns a time-sortable UUIDv7 string (RFC 9562). Run handles,
// journal records and generated message ids all use it.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// orNewID returns id, or a fresh id when id is empty.
func orNewID(id string) string {
	if id == "" {
		return NewID()
	}
	return id
}
