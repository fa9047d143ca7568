// Package types defines the domain model shared by every component of the
// memory core: the base envelope every persisted row carries, the canonical
// entities (Tenant, User, Schema, Session, Message, Moment, Resource, File,
// Ontology, Server, Tool, Feedback, StorageGrant), the task queue row, and
// the graph-edge / metadata shapes that flow through the KV index and the
// dreaming handler.
//
// Entities are represented as plain structs sharing an embedded Envelope
// rather than through an inheritance hierarchy — the dialect parser and the
// store's trigger-backed registry (internal/store) dispatch on a table name
// string, not on a Go type, so polymorphism here is a data concern, not a
// language one.
package types

import "time"

// Envelope is the set of fields every persisted entity carries, mirroring
// spec.md §3's "base envelope".
type Envelope struct {
	ID          string         `json:"id" db:"id"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
	TenantID    string         `json:"tenant_id,omitempty" db:"tenant_id"`
	UserID      string         `json:"user_id,omitempty" db:"user_id"`
	Tags        []string       `json:"tags,omitempty" db:"tags"`
	Metadata    map[string]any `json:"metadata,omitempty" db:"metadata"`
	GraphEdges  []GraphEdge    `json:"graph_edges,omitempty" db:"graph_edges"`
}

// GraphEdge is one outgoing edge from an entity's graph_edges array.
// Back-edges written by the dreaming handler (§4.F) use the same shape with
// Relation fixed to "dreamed_from".
type GraphEdge struct {
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
	Reason   string  `json:"reason,omitempty"`
}

// IsDeleted reports whether the envelope carries a soft-delete timestamp.
func (e Envelope) IsDeleted() bool {
	return e.DeletedAt != nil
}

// MergeGraphEdge merges a new edge into a list, applying the dedup rule from
// spec.md §4.F step 6: same (target, relation) keeps the higher weight.
func MergeGraphEdge(edges []GraphEdge, next GraphEdge) []GraphEdge {
	for i, e := range edges {
		if e.Target == next.Target && e.Relation == next.Relation {
			if next.Weight > e.Weight {
				edges[i] = next
			}
			return edges
		}
	}
	return append(edges, next)
}

// EncryptedFieldMode is the per-field encryption mode declared by an
// entity's field metadata (§4.B).
type EncryptedFieldMode string

const (
	FieldRandomized   EncryptedFieldMode = "randomized"
	FieldDeterministic EncryptedFieldMode = "deterministic"
)

// EncryptionAware is implemented by entities that declare encrypted fields.
// EncryptedFields returns field_name -> mode; FieldValue/SetFieldValue let
// the encryption service read and rewrite a named field generically without
// reflection.
type EncryptionAware interface {
	EncryptedFields() map[string]EncryptedFieldMode
	FieldValue(field string) (string, bool)
	SetFieldValue(field, value string)
}
