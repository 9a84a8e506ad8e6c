// Package segment implements columnar encode/decode of an immutable part's
// data block, per spec.md §4.3. The on-disk layout is a custom columnar
// container (not Arrow or Parquet, despite the ".parquet" filename kept for
// naming-convention continuity): one buffer per logical
// column, the whole container zstd-compressed. Reads are full-scan plus
// filter, which spec.md §4.3 explicitly permits ("bloom/sparse id-min-max
// metadata is a permitted optimization", not a requirement).
package segment

import (
	"bytes"
	"encoding/gob"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/types"
)

// column holds one attribute's values in columnar form: a presence bitmap
// (roaring, since most attribute columns are sparse across a segment) plus
// exactly one of the typed slices below, selected by Type.
type column struct {
	Type    types.AttrType
	Present []byte // serialized roaring bitmap
	Strings []string
	Ints    []int64
	Floats  []float64
	Bools   []bool
	StrArrs [][]string
}

// block is the gob-serialized payload compressed into a segment's data
// file. IDs and Vectors are true fixed-width columns; attribute columns are
// one buffer per declared attribute, which is the columnar property that
// matters for this engine's scan pattern (whole-column skips when a query
// doesn't project that attribute).
type block struct {
	Dim           int
	RowCount      int
	IDs           []uint64
	VectorPresent []byte // serialized roaring bitmap; rows with no vector are skipped in Vectors
	Vectors       []float32
	Attrs         map[string]column
}

// EncodeBlock serializes docs into a segment's columnar data block,
// zstd-compressed. Row order is preserved (spec.md §4.3: "rows preserve
// insertion order").
func EncodeBlock(schema types.Schema, docs []types.Document) ([]byte, error) {
	b := block{
		Dim:      schema.Dim,
		RowCount: len(docs),
		IDs:      make([]uint64, len(docs)),
		Attrs:    make(map[string]column, len(schema.Attributes)),
	}

	vecPresent := roaring.New()
	vectors := make([]float32, 0, len(docs)*schema.Dim)
	for i, d := range docs {
		b.IDs[i] = d.ID
		if len(d.Vector) > 0 {
			vecPresent.Add(uint32(i))
			vectors = append(vectors, d.Vector...)
		}
	}
	b.Vectors = vectors
	var err error
	b.VectorPresent, err = vecPresent.ToBytes()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "serialize vector-present bitmap")
	}

	for _, attr := range schema.Attributes {
		col := column{Type: attr.Type}
		present := roaring.New()
		for i, d := range docs {
			v, ok := d.Attributes[attr.Name]
			if !ok || v == nil {
				continue
			}
			present.Add(uint32(i))
			if err := appendAttrValue(&col, attr.Type, v, i); err != nil {
				return nil, err
			}
		}
		presentBytes, err := present.ToBytes()
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "serialize attribute-present bitmap for %s", attr.Name)
		}
		col.Present = presentBytes
		b.Attrs[attr.Name] = col
	}

	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(b); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode segment block")
	}
	return compress(raw.Bytes())
}

// appendAttrValue appends v to the typed slice matching typ. Values are
// stored only for rows whose presence bit is set, in row order; i is not
// used.
func appendAttrValue(col *column, typ types.AttrType, v types.AttrValue, i int) error {
	switch typ {
	case types.AttrString:
		s, ok := v.(string)
		if !ok {
			return errs.New(errs.Validation, "attribute value not a string")
		}
		col.Strings = append(col.Strings, s)
	case types.AttrI64:
		n, ok := toInt64(v)
		if !ok {
			return errs.New(errs.Validation, "attribute value not an i64")
		}
		col.Ints = append(col.Ints, n)
	case types.AttrF64:
		f, ok := toFloat64(v)
		if !ok {
			return errs.New(errs.Validation, "attribute value not an f64")
		}
		col.Floats = append(col.Floats, f)
	case types.AttrBool:
		bv, ok := v.(bool)
		if !ok {
			return errs.New(errs.Validation, "attribute value not a bool")
		}
		col.Bools = append(col.Bools, bv)
	case types.AttrStringArr:
		arr, ok := toStringSlice(v)
		if !ok {
			return errs.New(errs.Validation, "attribute value not a string array")
		}
		col.StrArrs = append(col.StrArrs, arr)
	default:
		return errs.New(errs.Validation, "unknown attribute type %q", typ)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func toStringSlice(v any) ([]string, bool) {
	switch arr := v.(type) {
	case []string:
		return arr, true
	case []any:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// DecodeBlock fully decodes a segment's data block into Documents.
func DecodeBlock(data []byte) ([]types.Document, error) {
	b, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	return materialize(b, nil)
}

// ReadByIDs decodes only the rows whose id is in ids — a full scan with a
// row filter, which is the permitted strategy per spec.md §4.3.
func ReadByIDs(data []byte, ids map[types.DocID]struct{}) ([]types.Document, error) {
	b, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	return materialize(b, ids)
}

func decodeRaw(data []byte) (block, error) {
	raw, err := decompress(data)
	if err != nil {
		return block{}, err
	}
	var b block
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&b); err != nil {
		return block{}, errs.Wrap(errs.Corruption, err, "decode segment block")
	}
	return b, nil
}

func materialize(b block, wantIDs map[types.DocID]struct{}) ([]types.Document, error) {
	vecPresent := roaring.New()
	if len(b.VectorPresent) > 0 {
		if _, err := vecPresent.FromBuffer(b.VectorPresent); err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "decode vector-present bitmap")
		}
	}

	attrPresent := make(map[string]*roaring.Bitmap, len(b.Attrs))
	attrCursor := make(map[string]int, len(b.Attrs))
	for name, col := range b.Attrs {
		rb := roaring.New()
		if len(col.Present) > 0 {
			if _, err := rb.FromBuffer(col.Present); err != nil {
				return nil, errs.Wrap(errs.Corruption, err, "decode attribute-present bitmap for %s", name)
			}
		}
		attrPresent[name] = rb
		attrCursor[name] = 0
	}

	docs := make([]types.Document, 0, b.RowCount)
	vecCursor := 0
	for i := 0; i < b.RowCount; i++ {
		id := types.DocID(b.IDs[i])
		if wantIDs != nil {
			if _, ok := wantIDs[id]; !ok {
				if vecPresent.Contains(uint32(i)) {
					vecCursor++
				}
				advanceAttrCursors(b, attrPresent, attrCursor, i)
				continue
			}
		}

		doc := types.Document{ID: id}
		if vecPresent.Contains(uint32(i)) {
			start := vecCursor * b.Dim
			doc.Vector = append([]float32{}, b.Vectors[start:start+b.Dim]...)
			vecCursor++
		}
		doc.Attributes = materializeAttrs(b, attrPresent, attrCursor, i)
		docs = append(docs, doc)
	}
	return docs, nil
}

func advanceAttrCursors(b block, present map[string]*roaring.Bitmap, cursor map[string]int, i int) {
	for name := range b.Attrs {
		if present[name].Contains(uint32(i)) {
			cursor[name]++
		}
	}
}

func materializeAttrs(b block, present map[string]*roaring.Bitmap, cursor map[string]int, i int) map[string]types.AttrValue {
	out := make(map[string]types.AttrValue)
	for name, col := range b.Attrs {
		if !present[name].Contains(uint32(i)) {
			continue
		}
		idx := cursor[name]
		cursor[name]++
		switch col.Type {
		case types.AttrString:
			out[name] = col.Strings[idx]
		case types.AttrI64:
			out[name] = col.Ints[idx]
		case types.AttrF64:
			out[name] = col.Floats[idx]
		case types.AttrBool:
			out[name] = col.Bools[idx]
		case types.AttrStringArr:
			out[name] = col.StrArrs[idx]
		}
	}
	return out
}

func compress(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "create zstd encoder")
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "create zstd decoder")
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "decompress segment block")
	}
	return out, nil
}

// OpenMapped memory-maps a local segment file read-only, for zero-copy
// access by the disk cache tier before decompression. Callers must Unmap
// when done.
func OpenMapped(path string) (mmap.MMap, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Unavailable, err, "open segment file %s", path)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, errs.Wrap(errs.Unavailable, err, "mmap segment file %s", path)
	}
	return m, f, nil
}
