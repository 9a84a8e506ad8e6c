// Package bm25 implements the per-field full-text index: language-specific
// analyzers, an inverted index of term postings, and top-K BM25 scoring,
// per spec.md §4.7.
package bm25

import (
	"bytes"
	"encoding/gob"
	"math"
	"sort"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"

	_ "github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/ar"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/da"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/de"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/el"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/en"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/es"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/fi"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/fr"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/hu"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/it"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/nl"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/no"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/pt"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/ro"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/ru"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/sv"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/tr"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/types"
)

// k1 and b are the standard Okapi BM25 tuning constants.
const (
	k1 = 1.2
	b  = 0.75
)

// langAnalyzerName maps the recognized language codes (spec.md §4.7) to the
// bleve analyzer name that registers for them. "ta" (Tamil) has no
// dedicated bleve language analyzer, so it falls back to the Unicode
// standard analyzer rather than going unrecognized.
var langAnalyzerName = map[string]string{
	"ar": "ar", "da": "da", "nl": "nl", "en": "en", "fi": "fi", "fr": "fr",
	"de": "de", "el": "el", "hu": "hu", "it": "it", "no": "no", "pt": "pt",
	"ro": "ro", "ru": "ru", "es": "es", "sv": "sv", "ta": "standard", "tr": "tr",
}

var analyzerCache = registry.NewCache()

func analyzerFor(lang string) (analysis.Analyzer, error) {
	name, ok := langAnalyzerName[lang]
	if !ok {
		return nil, errs.New(errs.Validation, "unrecognized BM25 analyzer language %q", lang)
	}
	a, err := analyzerCache.AnalyzerNamed(name)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "load analyzer %q", name)
	}
	return a, nil
}

// FieldIndex is one analyzed text field's inverted index.
type FieldIndex struct {
	Language    string
	Boost       float64
	Postings    map[string]map[types.DocID]int
	DocLength   map[types.DocID]int
	TotalDocs   int
	TotalLength int64
}

func newFieldIndex(cfg types.BM25FieldConfig) *FieldIndex {
	boost := cfg.Boost
	if boost == 0 {
		boost = 1
	}
	return &FieldIndex{
		Language:  cfg.Language,
		Boost:     boost,
		Postings:  make(map[string]map[types.DocID]int),
		DocLength: make(map[types.DocID]int),
	}
}

func (fi *FieldIndex) avgDocLength() float64 {
	if fi.TotalDocs == 0 {
		return 0
	}
	return float64(fi.TotalLength) / float64(fi.TotalDocs)
}

// Index is the namespace's full BM25 directory: one FieldIndex per
// configured analyzed field.
type Index struct {
	Fields map[string]*FieldIndex
}

// NewIndex builds an empty index from the schema's BM25 field configs.
func NewIndex(fields []types.BM25FieldConfig) (*Index, error) {
	idx := &Index{Fields: make(map[string]*FieldIndex, len(fields))}
	for _, cfg := range fields {
		if _, err := analyzerFor(cfg.Language); err != nil {
			return nil, err
		}
		idx.Fields[cfg.Field] = newFieldIndex(cfg)
	}
	return idx, nil
}

// AddDocument analyzes and indexes fieldValues (field name -> raw text) for
// docID. Fields not present in the index's configuration are ignored.
func (idx *Index) AddDocument(docID types.DocID, fieldValues map[string]string) error {
	for field, text := range fieldValues {
		fi, ok := idx.Fields[field]
		if !ok {
			continue
		}
		analyzer, err := analyzerFor(fi.Language)
		if err != nil {
			return err
		}
		tokens := analyzer.Analyze([]byte(text))
		freq := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freq[string(tok.Term)]++
		}
		for term, f := range freq {
			postings := fi.Postings[term]
			if postings == nil {
				postings = make(map[types.DocID]int)
				fi.Postings[term] = postings
			}
			postings[docID] = f
		}
		fi.DocLength[docID] = len(tokens)
		fi.TotalDocs++
		fi.TotalLength += int64(len(tokens))
	}
	return nil
}

// Scored is one (doc_id, score) hit.
type Scored struct {
	DocID types.DocID
	Score float64
}

// Query analyzes query against every default field, sums each field's
// boosted BM25 contribution per document, and returns the top-K hits
// sorted strictly descending by score (ties broken by lower doc id), per
// spec.md §4.7 and the shared tie-break rule of §4.9.
func (idx *Index) Query(query string, defaultFields []string, topK int) ([]Scored, error) {
	scores := make(map[types.DocID]float64)
	for _, field := range defaultFields {
		fi, ok := idx.Fields[field]
		if !ok {
			continue
		}
		analyzer, err := analyzerFor(fi.Language)
		if err != nil {
			return nil, err
		}
		tokens := analyzer.Analyze([]byte(query))
		terms := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			terms[string(tok.Term)] = struct{}{}
		}
		avgdl := fi.avgDocLength()
		for term := range terms {
			postings := fi.Postings[term]
			if len(postings) == 0 {
				continue
			}
			n := float64(fi.TotalDocs)
			df := float64(len(postings))
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			for docID, freq := range postings {
				dl := float64(fi.DocLength[docID])
				denom := float64(freq) + k1*(1-b+b*dl/maxFloat(avgdl, 1))
				score := idf * (float64(freq) * (k1 + 1)) / denom
				scores[docID] += score * fi.Boost
			}
		}
	}

	out := make([]Scored, 0, len(scores))
	for id, s := range scores {
		out = append(out, Scored{DocID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	// topK == 0 must return no hits (spec.md §8); a negative topK (no
	// caller currently passes one) leaves the result unbounded.
	if topK >= 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Marshal serializes the index for storage in the segment's fts/meta.json
// equivalent object (see diskcache/compactor wiring — the directory is
// written via a single atomic put per spec.md §4.7).
func (idx *Index) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(idx); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode BM25 index")
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an index previously produced by Marshal.
func Unmarshal(data []byte) (*Index, error) {
	var idx Index
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&idx); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "decode BM25 index")
	}
	return &idx, nil
}
