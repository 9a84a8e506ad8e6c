// Package types holds the data-model entities shared across the namespace
// execution engine: schema, document, WAL entry, segment/part, manifest,
// router state, and the transient candidate record produced during
// ranking. See spec.md §3 for the authoritative shapes.
package types

import "time"

// Metric is a supported vector distance metric.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "euclidean"
)

// AttrType is the declared type of a schema attribute.
type AttrType string

const (
	AttrString    AttrType = "string"
	AttrI64       AttrType = "i64"
	AttrF64       AttrType = "f64"
	AttrBool      AttrType = "bool"
	AttrStringArr AttrType = "string[]"
)

// AttrDecl declares one attribute column of a namespace schema.
type AttrDecl struct {
	Name string   `json:"name"`
	Type AttrType `json:"type"`
	// FullText, when true, binds this (string) attribute to an analyzer
	// named by Analyzer so it is indexed by BM25 in addition to being
	// stored as a column.
	FullText bool   `json:"full_text,omitempty"`
	Analyzer string `json:"analyzer,omitempty"`
}

// BM25FieldConfig configures one analyzed text field.
type BM25FieldConfig struct {
	Field    string  `json:"field"`
	Language string  `json:"language"` // one of the recognized analyzer codes
	Boost    float64 `json:"boost"`
	Stored   bool    `json:"stored"`
}

// Schema is the immutable (modulo additive attributes) namespace schema.
type Schema struct {
	Dim        int               `json:"dim"`
	Metric     Metric            `json:"metric"`
	Attributes []AttrDecl        `json:"attributes"`
	BM25Fields []BM25FieldConfig `json:"bm25_fields,omitempty"`
}

// AttrByName returns the declaration for name, or nil.
func (s *Schema) AttrByName(name string) *AttrDecl {
	for i := range s.Attributes {
		if s.Attributes[i].Name == name {
			return &s.Attributes[i]
		}
	}
	return nil
}

// AddAttribute appends a new attribute declaration. Schemas are immutable
// except for this additive path (spec.md §3).
func (s *Schema) AddAttribute(decl AttrDecl) {
	s.Attributes = append(s.Attributes, decl)
}

// DocID is the external document identifier.
type DocID = uint64

// AttrValue is a dynamically typed attribute value: string, int64, float64,
// bool, or []string.
type AttrValue = any

// Document is the external unit of upsert: an id, an optional dense vector,
// and a bag of typed attributes.
type Document struct {
	ID         DocID                `json:"id"`
	Vector     []float32            `json:"vector,omitempty"`
	Attributes map[string]AttrValue `json:"attributes,omitempty"`
}

// OpKind distinguishes WAL operation variants.
type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
)

// WalOp is the payload of one WAL entry: either an Upsert of documents or a
// Delete of ids.
type WalOp struct {
	Kind    OpKind     `json:"kind"`
	Docs    []Document `json:"docs,omitempty"`
	Deletes []DocID    `json:"deletes,omitempty"`
}

// WalEntry is one sequenced, timestamped WAL record.
type WalEntry struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Op        WalOp     `json:"op"`
}

// IndexPointers names the index artifacts that accompany a segment's
// columnar data block, matching the part layout of spec.md §6.
type IndexPointers struct {
	Centroids  string `json:"centroids"`
	IListDir   string `json:"ilist_dir"`
	RabitqMeta string `json:"rabitq_meta"`
	RabitqCode string `json:"rabitq_code"`
	Int8Scales string `json:"int8_scales"`
	Int8Page   string `json:"int8_page"`
	Fp32Page   string `json:"fp32_page"`
	FTSDir     string `json:"fts_dir,omitempty"`
}

// SegmentInfo is the manifest's record of one immutable part.
type SegmentInfo struct {
	SegmentID   string        `json:"segment_id"`
	MinID       DocID         `json:"min_id"`
	MaxID       DocID         `json:"max_id"`
	RowCount    int           `json:"row_count"`
	CreatedAt   time.Time     `json:"created_at"`
	Tombstones  []DocID       `json:"tombstones,omitempty"`
	DataPath    string        `json:"data_path"`
	Indexes     IndexPointers `json:"indexes"`
	MaxSequence uint64        `json:"max_sequence"`
}

// ContainsID reports whether id falls in this segment's id-range.
func (s *SegmentInfo) ContainsID(id DocID) bool {
	return id >= s.MinID && id <= s.MaxID
}

// IsTombstoned reports whether id has been marked deleted in this segment.
func (s *SegmentInfo) IsTombstoned(id DocID) bool {
	for _, t := range s.Tombstones {
		if t == id {
			return true
		}
	}
	return false
}

// Stats summarizes a namespace's manifest for observability/planning.
type Stats struct {
	TotalDocs     int64 `json:"total_docs"`
	TotalSegments int   `json:"total_segments"`
}

// Manifest is the namespace's authoritative, versioned metadata snapshot.
type Manifest struct {
	Version   uint64        `json:"version"`
	Namespace string        `json:"namespace"`
	Schema    Schema        `json:"schema"`
	Segments  []SegmentInfo `json:"segments"`
	Stats     Stats         `json:"stats"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SegmentFor returns the segment owning id, or nil if none does.
func (m *Manifest) SegmentFor(id DocID) *SegmentInfo {
	for i := range m.Segments {
		if m.Segments[i].ContainsID(id) {
			return &m.Segments[i]
		}
	}
	return nil
}

// RouterState is the lightweight pointer record naming a namespace's epoch
// and WAL high-water mark.
type RouterState struct {
	Namespace    string    `json:"namespace"`
	Epoch        uint64    `json:"epoch"`
	WalHighwater uint64    `json:"wal_highwater"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Candidate is a transient per-row scoring record produced during the
// ranking pipeline.
type Candidate struct {
	PartID  string
	LocalID int
	DocID   DocID
	Score   float64
}
