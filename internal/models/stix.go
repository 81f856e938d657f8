// Package models defines the STIX object envelope, bundles, and the
// bookkeeping records produced by collection imports and exports.
package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// STIX object types understood by the workbench.
const (
	TypeAttackPattern     = "attack-pattern"
	TypeIntrusionSet      = "intrusion-set"
	TypeMalware           = "malware"
	TypeTool              = "tool"
	TypeCourseOfAction    = "course-of-action"
	TypeCampaign          = "campaign"
	TypeIdentity          = "identity"
	TypeMarkingDefinition = "marking-definition"
	TypeNote              = "note"
	TypeRelationship      = "relationship"
	TypeDataSource        = "x-mitre-data-source"
	TypeDataComponent     = "x-mitre-data-component"
	TypeAnalytic          = "x-mitre-analytic"
	TypeDetectionStrategy = "x-mitre-detection-strategy"
	TypeLogSource         = "x-mitre-log-source"
	TypeAsset             = "x-mitre-asset"
	TypeCollection        = "x-mitre-collection"
	TypeTactic            = "x-mitre-tactic"
	TypeMatrix            = "x-mitre-matrix"
)

// Kind is the discriminator of the STIX payload variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindTechnique
	KindGroup
	KindMalware
	KindTool
	KindMitigation
	KindCampaign
	KindIdentity
	KindMarkingDefinition
	KindNote
	KindRelationship
	KindDataSource
	KindDataComponent
	KindAnalytic
	KindDetectionStrategy
	KindLogSource
	KindAsset
	KindCollection
	KindTactic
	KindMatrix
)

var kindsByType = map[string]Kind{
	TypeAttackPattern:     KindTechnique,
	TypeIntrusionSet:      KindGroup,
	TypeMalware:           KindMalware,
	TypeTool:              KindTool,
	TypeCourseOfAction:    KindMitigation,
	TypeCampaign:          KindCampaign,
	TypeIdentity:          KindIdentity,
	TypeMarkingDefinition: KindMarkingDefinition,
	TypeNote:              KindNote,
	TypeRelationship:      KindRelationship,
	TypeDataSource:        KindDataSource,
	TypeDataComponent:     KindDataComponent,
	TypeAnalytic:          KindAnalytic,
	TypeDetectionStrategy: KindDetectionStrategy,
	TypeLogSource:         KindLogSource,
	TypeAsset:             KindAsset,
	TypeCollection:        KindCollection,
	TypeTactic:            KindTactic,
	TypeMatrix:            KindMatrix,
}

// KindOf maps a STIX type name to its Kind. Unknown names return KindUnknown.
func KindOf(stixType string) Kind {
	return kindsByType[stixType]
}

// Payload is the type-specific part of a STIX object.
type Payload interface {
	isPayload()
}

// ContentRef pins one object revision inside a collection.
type ContentRef struct {
	ObjectRef      string `json:"object_ref"`
	ObjectModified string `json:"object_modified"`
}

// CollectionPayload holds x_mitre_contents of an x-mitre-collection.
type CollectionPayload struct {
	Contents []ContentRef
}

// RelationshipPayload holds the edge of a relationship object.
type RelationshipPayload struct {
	RelationshipType string
	SourceRef        string
	TargetRef        string
}

// DetectionStrategyPayload holds the analytics a detection strategy embeds.
type DetectionStrategyPayload struct {
	AnalyticRefs []string
}

// NotePayload holds the objects a note annotates.
type NotePayload struct {
	ObjectRefs []string
}

// GenericPayload is used by kinds without fields the workbench interprets.
type GenericPayload struct{}

func (*CollectionPayload) isPayload()        {}
func (*RelationshipPayload) isPayload()      {}
func (*DetectionStrategyPayload) isPayload() {}
func (*NotePayload) isPayload()              {}
func (*GenericPayload) isPayload()           {}

// Stix is a single STIX document. Properties is the authoritative content;
// the typed fields are decoded views refreshed whenever Properties changes.
type Stix struct {
	Type     string
	ID       string
	Modified string
	Kind     Kind
	Payload  Payload

	Properties map[string]any
}

// NewStix builds a Stix from a property map.
func NewStix(props map[string]any) *Stix {
	s := &Stix{Properties: props}
	s.refresh()
	return s
}

// MarshalJSON emits the full STIX document.
func (s *Stix) MarshalJSON() ([]byte, error) {
	if s.Properties == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Properties)
}

// UnmarshalJSON decodes a STIX document, keeping numbers as json.Number so
// re-encoding is lossless.
func (s *Stix) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var props map[string]any
	if err := dec.Decode(&props); err != nil {
		return fmt.Errorf("decode stix object: %w", err)
	}
	s.Properties = props
	s.refresh()
	return nil
}

// Set changes a top-level property and refreshes the decoded views.
func (s *Stix) Set(key string, value any) {
	if s.Properties == nil {
		s.Properties = make(map[string]any)
	}
	s.Properties[key] = value
	s.refresh()
}

// Clone returns a deep copy.
func (s *Stix) Clone() *Stix {
	data, err := json.Marshal(s.Properties)
	if err != nil {
		return NewStix(map[string]any{})
	}
	var c Stix
	if err := c.UnmarshalJSON(data); err != nil {
		return NewStix(map[string]any{})
	}
	return &c
}

func (s *Stix) refresh() {
	s.Type = s.String("type")
	s.ID = s.String("id")
	s.Modified = s.String("modified")
	s.Kind = KindOf(s.Type)
	s.Payload = decodePayload(s.Kind, s)
}

func decodePayload(kind Kind, s *Stix) Payload {
	switch kind {
	case KindCollection:
		return &CollectionPayload{Contents: decodeContents(s.Properties["x_mitre_contents"])}
	case KindRelationship:
		return &RelationshipPayload{
			RelationshipType: s.String("relationship_type"),
			SourceRef:        s.String("source_ref"),
			TargetRef:        s.String("target_ref"),
		}
	case KindDetectionStrategy:
		return &DetectionStrategyPayload{AnalyticRefs: s.Strings("x_mitre_analytic_refs")}
	case KindNote:
		return &NotePayload{ObjectRefs: s.Strings("object_refs")}
	case KindTechnique, KindGroup, KindMalware, KindTool, KindMitigation, KindCampaign,
		KindIdentity, KindMarkingDefinition, KindDataSource, KindDataComponent, KindAnalytic,
		KindLogSource, KindAsset, KindTactic, KindMatrix, KindUnknown:
		return &GenericPayload{}
	}
	return &GenericPayload{}
}

func decodeContents(v any) []ContentRef {
	var items []any
	switch t := v.(type) {
	case []ContentRef:
		return t
	case []map[string]any:
		for _, m := range t {
			items = append(items, m)
		}
	case []any:
		items = t
	default:
		return nil
	}
	refs := make([]ContentRef, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ref, _ := m["object_ref"].(string)
		mod, _ := m["object_modified"].(string)
		if ref == "" {
			continue
		}
		refs = append(refs, ContentRef{ObjectRef: ref, ObjectModified: mod})
	}
	return refs
}

// String returns a top-level string property, or "" when absent.
func (s *Stix) String(key string) string {
	v, _ := s.Properties[key].(string)
	return v
}

// Strings returns a top-level list of strings; non-string items are skipped.
func (s *Stix) Strings(key string) []string {
	items, ok := s.Properties[key].([]any)
	if !ok {
		if strs, ok := s.Properties[key].([]string); ok {
			return strs
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// Bool returns a top-level boolean property, false when absent.
func (s *Stix) Bool(key string) bool {
	v, _ := s.Properties[key].(bool)
	return v
}

// SpecVersion returns the STIX spec_version.
func (s *Stix) SpecVersion() string { return s.String("spec_version") }

// Created returns the created timestamp as written.
func (s *Stix) Created() string { return s.String("created") }

// CreatedByRef returns created_by_ref.
func (s *Stix) CreatedByRef() string { return s.String("created_by_ref") }

// ModifiedByRef returns x_mitre_modified_by_ref.
func (s *Stix) ModifiedByRef() string { return s.String("x_mitre_modified_by_ref") }

// MarkingRefs returns object_marking_refs.
func (s *Stix) MarkingRefs() []string { return s.Strings("object_marking_refs") }

// Revoked reports the STIX revoked flag.
func (s *Stix) Revoked() bool { return s.Bool("revoked") }

// Deprecated reports x_mitre_deprecated.
func (s *Stix) Deprecated() bool { return s.Bool("x_mitre_deprecated") }

// Domains returns x_mitre_domains.
func (s *Stix) Domains() []string { return s.Strings("x_mitre_domains") }

// Name returns the name property.
func (s *Stix) Name() string { return s.String("name") }

// AttackSpecVersion returns x_mitre_attack_spec_version and whether the
// property is present at all.
func (s *Stix) AttackSpecVersion() (string, bool) {
	v, ok := s.Properties["x_mitre_attack_spec_version"]
	if !ok {
		return "", false
	}
	str, _ := v.(string)
	return str, true
}

// AttackID returns the mitre-attack external id (e.g. T1059), if any.
func (s *Stix) AttackID() string {
	refs, ok := s.Properties["external_references"].([]any)
	if !ok {
		return ""
	}
	for _, r := range refs {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if src, _ := m["source_name"].(string); src == "mitre-attack" {
			id, _ := m["external_id"].(string)
			return id
		}
	}
	return ""
}

// ContentHash returns a digest of the canonical JSON encoding of the
// document. encoding/json sorts map keys, so key order never affects it.
func (s *Stix) ContentHash() string {
	data, _ := json.Marshal(s.Properties)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Contents returns x_mitre_contents for collections and nil for other kinds.
func (s *Stix) Contents() []ContentRef {
	if p, ok := s.Payload.(*CollectionPayload); ok {
		return p.Contents
	}
	return nil
}

// ObjectKey identifies one revision.
func ObjectKey(id, modified string) string {
	return id + "@" + modified
}
