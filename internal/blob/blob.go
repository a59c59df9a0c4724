package blob

import "context"

// Store persists raw image bytes and returns a URL from which downstream
// stages (and the vision provider) can fetch them.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
