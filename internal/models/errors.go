package models

import "errors"

// Error kinds surfaced across the tool boundary. Layers wrap these with
// fmt.Errorf("...: %w", ...) and adapters dispatch on errors.Is.
var (
	// ErrInvalidInput covers malformed parameters, unknown types, missing
	// required fields, and references to nonexistent ids. Nothing persists.
	ErrInvalidInput = errors.New("invalid input")

	// ErrModelUnavailable means the embedder cannot produce a vector,
	// usually because model artefacts are missing from the cache.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// ErrNotFound is returned by id-addressed lookups on missing rows.
	ErrNotFound = errors.New("not found")

	// ErrStore wraps persistent store failures after rollback.
	ErrStore = errors.New("store error")
)
