package models

import "time"

// WorkflowState is the review state of a stored revision.
type WorkflowState string

const (
	WorkflowWorkInProgress    WorkflowState = "work-in-progress"
	WorkflowAwaitingReview    WorkflowState = "awaiting-review"
	WorkflowReviewed          WorkflowState = "reviewed"
	WorkflowStaticallyDefined WorkflowState = "static"
)

// Workflow is mutable review metadata attached to a revision.
type Workflow struct {
	State                WorkflowState `json:"state"`
	CreatedByUserAccount string        `json:"created_by_user_account,omitempty"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Direction of an embedded relationship as seen from the owning object.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// EmbeddedRelationship is a back-reference kept in the workspace of objects
// that are embedded by another object (analytics inside detection strategies).
type EmbeddedRelationship struct {
	StixID    string `json:"stix_id"`
	AttackID  string `json:"attack_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Direction string `json:"direction"`
}

// ExportRecord marks one non-preview export of a collection revision.
type ExportRecord struct {
	ExportTimestamp time.Time `json:"export_timestamp"`
	BundleID        string    `json:"bundle_id"`
}

// Workspace holds metadata that is not part of the STIX content and never
// participates in versioning or content comparison.
type Workspace struct {
	Workflow              *Workflow              `json:"workflow,omitempty"`
	ImportID              string                 `json:"import_id,omitempty"`
	Imported              *time.Time             `json:"imported,omitempty"`
	ImportCategories      *ImportCategories      `json:"import_categories,omitempty"`
	ImportBundleDigest    string                 `json:"import_bundle_digest,omitempty"`
	Exported              []ExportRecord         `json:"exported,omitempty"`
	EmbeddedRelationships []EmbeddedRelationship `json:"embedded_relationships,omitempty"`
}

// Object is one stored revision: STIX content plus workspace metadata.
// Its identity is (Stix.ID, Stix.Modified).
type Object struct {
	Stix      *Stix     `json:"stix"`
	Workspace Workspace `json:"workspace"`
}

// Key returns the revision key of the object.
func (o *Object) Key() string {
	return ObjectKey(o.Stix.ID, o.Stix.Modified)
}
