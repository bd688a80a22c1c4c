package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EmbeddingDim is the vector size produced by all-MiniLM-L6-v2.
const EmbeddingDim = 384

// Forgotten is the superseded_by sentinel for soft-deleted memories.
const Forgotten = "forgotten"

// MemoryType is the cognitive category of a memory. It drives default scope,
// decay rate, and compaction eligibility.
type MemoryType string

const (
	Episodic   MemoryType = "episodic"
	Semantic   MemoryType = "semantic"
	Procedural MemoryType = "procedural"
	Entity     MemoryType = "entity"
)

// Types lists all memory types in canonical order.
var Types = []MemoryType{Episodic, Semantic, Procedural, Entity}

// ParseMemoryType converts a string to a MemoryType.
func ParseMemoryType(s string) (MemoryType, error) {
	switch MemoryType(s) {
	case Episodic, Semantic, Procedural, Entity:
		return MemoryType(s), nil
	}
	return "", fmt.Errorf("%w: unknown memory type %q", ErrInvalidInput, s)
}

// DefaultScope returns the scope a memory of this type gets when the caller
// does not specify one. Episodic memories are project-local; everything else
// is visible globally.
func (t MemoryType) DefaultScope() Scope {
	if t == Episodic {
		return ScopeGroup
	}
	return ScopeGlobal
}

// DecayFactor returns the per-cycle confidence multiplier for this type.
func (t MemoryType) DecayFactor(episodic, semantic float64) float64 {
	if t == Episodic {
		return episodic
	}
	return semantic
}

// Compactable reports whether maintenance may fold memories of this type
// into weekly summaries.
func (t MemoryType) Compactable() bool {
	return t == Episodic
}

// Scope is the visibility domain of a memory.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeGroup  Scope = "group"
)

// ParseScope converts a string to a Scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeGlobal, ScopeGroup:
		return Scope(s), nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, s)
}

// Memory is a single stored unit of recall, matching the memories table.
type Memory struct {
	ID           string         `json:"id"`
	Type         MemoryType     `json:"type"`
	Content      string         `json:"content"`
	Scope        Scope          `json:"scope"`
	SourceGroup  string         `json:"source_group"`
	Confidence   float64        `json:"confidence"`
	AccessCount  int            `json:"access_count"`
	LastAccessed *time.Time     `json:"last_accessed,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	SupersededBy string         `json:"superseded_by,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Live reports whether the memory is visible to recall.
func (m *Memory) Live() bool {
	return m.SupersededBy == ""
}

// EntityRelation is a directed (subject, predicate, object) triple between
// two entity-type memories. Unique on the full triple.
type EntityRelation struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Predicate string    `json:"predicate"`
	ObjectID  string    `json:"object_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit operations recorded in memory_log.
const (
	OpCreate    = "create"
	OpUpdate    = "update"
	OpSupersede = "supersede"
	OpDecay     = "decay"
	OpCompact   = "compact"
	OpDelete    = "delete"
)

// AuditEntry is one append-only row of the memory_log table.
type AuditEntry struct {
	Seq       int64          `json:"seq"`
	Operation string         `json:"operation"`
	MemoryID  string         `json:"memory_id"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewID returns a time-sortable UUIDv7 string, monotonic within a millisecond.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ClampConfidence forces a confidence value into [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
