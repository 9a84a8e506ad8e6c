// Package planner implements the query executor: per-part candidate
// collection (fallback linear scan or IVF probe), merge, rerank, and
// hybrid vector/text fusion, per spec.md §4.9.
package planner

import (
	"context"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/elax-db/elax/internal/bm25"
	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/filter"
	"github.com/elax-db/elax/internal/ivf"
	"github.com/elax-db/elax/internal/numeric"
	"github.com/elax-db/elax/internal/rabitq"
	"github.com/elax-db/elax/internal/rerank"
	"github.com/elax-db/elax/internal/types"
)

// RerankPrecision selects the final-stage scoring kernel.
type RerankPrecision string

const (
	RerankNone RerankPrecision = "none"
	RerankInt8 RerankPrecision = "int8"
	RerankFp32 RerankPrecision = "fp32"
)

// FusionMethod selects how vector and text hit lists are combined.
type FusionMethod string

const (
	FusionRRF      FusionMethod = "rrf"
	FusionWeighted FusionMethod = "weighted"
)

// AnnParams tunes the ANN search, per spec.md §4.9.
type AnnParams struct {
	SmallPartFallback bool
	KTrained          int
	ProbeFraction     float64
	NProbeCap         int
	PerPartLimit      int
	RerankPrecision   RerankPrecision
	RerankScale       float64
	// FP32RerankCap bounds the int8-narrowing stage before an fp32 rerank.
	// Zero resolves to max(top_k, 5*top_k), the Open Question decision
	// recorded in DESIGN.md.
	FP32RerankCap int
}

// Query is one planner execution request.
type Query struct {
	Vector         []float32
	Text           string
	TextFields     []string
	Filter         *filter.Node
	TopK           int
	Metric         types.Metric
	MinWalSequence uint64
	Ann            AnnParams
	Fusion         FusionMethod
	BestEffort     bool
}

// PartIndex bundles one segment's decoded rows with the index artifacts
// needed to score it: a trained IVF model (nil for fallback-only parts),
// RaBitQ coarse codes, and an int8 rerank block. Local index == slice
// index into Docs.
type PartIndex struct {
	SegmentID   string
	Docs        []types.Document
	IVF         *ivf.Model
	RabitqMeta  rabitq.Meta
	RabitqCodes []byte
	Int8        rerank.Int8Block
	// InvertedLists maps list id to the local indices assigned to it,
	// populated at seal/compaction time alongside the IVF model.
	InvertedLists map[int][]int
	Tombstoned    map[types.DocID]struct{}
}

// Result is one ranked hit.
type Result struct {
	DocID    types.DocID
	Score    float64
	Document *types.Document
	PartID   string
	Degraded bool
}

// partPlan is the per-part execution plan (spec.md §4.9 "per-part plan").
type partPlan struct {
	k        int
	nprobe   int
	fallback bool
}

func planPart(ann AnnParams, part *PartIndex) partPlan {
	if ann.SmallPartFallback || part.IVF == nil {
		return partPlan{k: 1, nprobe: 1, fallback: true}
	}
	k := ann.KTrained
	if k < 1 {
		k = 1
	}
	nprobe := numeric.ClampInt(int(math.Round(ann.ProbeFraction*float64(k))), 1, minInt(k, maxInt(ann.NProbeCap, 1)))
	return partPlan{k: k, nprobe: nprobe, fallback: false}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// collectCandidates runs the fallback or IVF candidate-collection path for
// one part, applying the tombstone mask and filter bitmap, per spec.md
// §4.9.
func collectCandidates(query []float32, part *PartIndex, plan partPlan, filterBitmap *roaring.Bitmap, limit int) []types.Candidate {
	var localIndices []int
	if plan.fallback {
		localIndices = make([]int, len(part.Docs))
		for i := range part.Docs {
			localIndices[i] = i
		}
	} else {
		probeLists := part.IVF.Probe(query, plan.nprobe)
		seen := make(map[int]struct{})
		for _, listID := range probeLists {
			for _, idx := range part.InvertedLists[listID] {
				if _, ok := seen[idx]; ok {
					continue
				}
				seen[idx] = struct{}{}
				localIndices = append(localIndices, idx)
			}
		}
	}

	qSign := rabitq.QuerySign(query, part.RabitqMeta)
	candidates := make([]types.Candidate, 0, len(localIndices))
	for _, idx := range localIndices {
		doc := part.Docs[idx]
		if _, tomb := part.Tombstoned[doc.ID]; tomb {
			continue
		}
		if filterBitmap != nil && !filterBitmap.Contains(uint32(idx)) {
			continue
		}
		score, err := rabitq.CoarseScore(part.RabitqCodes, part.RabitqMeta, idx, qSign)
		if err != nil {
			continue
		}
		candidates = append(candidates, types.Candidate{PartID: part.SegmentID, LocalID: idx, DocID: doc.ID, Score: score})
	}

	sort.Slice(candidates, func(i, j int) bool { return lessCandidate(candidates[j], candidates[i]) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// lessCandidate implements the shared tie-break: strictly descending
// score, lower doc_id, then lower part_id.
func lessCandidate(a, b types.Candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.DocID != b.DocID {
		return a.DocID > b.DocID
	}
	return a.PartID > b.PartID
}

// candidateItem adapts Candidate to btree.Item for merge-ordering across
// parts (spec.md §4.9 "Merging").
type candidateItem struct{ types.Candidate }

func (c candidateItem) Less(than btree.Item) bool {
	other := than.(candidateItem)
	return lessCandidate(c.Candidate, other.Candidate)
}

// VectorSearch runs the full per-part ANN pipeline across parts and
// returns the merged, reranked, tie-broken candidate-to-document results
// (not yet fused with any BM25 hits).
func VectorSearch(ctx context.Context, query Query, parts []*PartIndex, filterBitmaps map[string]*roaring.Bitmap) ([]Result, error) {
	if len(query.Vector) == 0 {
		return nil, nil
	}

	perPartResults := make([][]types.Candidate, len(parts))
	g, _ := errgroup.WithContext(ctx)
	for i, part := range parts {
		i, part := i, part
		g.Go(func() error {
			plan := planPart(query.Ann, part)
			var fb *roaring.Bitmap
			if filterBitmaps != nil {
				fb = filterBitmaps[part.SegmentID]
			}
			perPartResults[i] = collectCandidates(query.Vector, part, plan, fb, query.Ann.PerPartLimit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "per-part candidate collection")
	}

	tree := btree.New(32)
	for _, list := range perPartResults {
		for _, c := range list {
			tree.ReplaceOrInsert(candidateItem{c})
		}
	}

	globalCap := globalMergeCap(query.TopK, query.Ann.RerankScale)
	merged := make([]types.Candidate, 0, globalCap)
	tree.Descend(func(item btree.Item) bool {
		if len(merged) >= globalCap {
			return false
		}
		merged = append(merged, item.(candidateItem).Candidate)
		return true
	})

	partByID := make(map[string]*PartIndex, len(parts))
	for _, p := range parts {
		partByID[p.SegmentID] = p
	}

	reranked, err := rerankCandidates(merged, query, partByID)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(reranked))
	for _, c := range reranked {
		p := partByID[c.PartID]
		doc := p.Docs[c.LocalID]
		out = append(out, Result{DocID: c.DocID, Score: c.Score, Document: &doc, PartID: c.PartID})
	}
	return out, nil
}

func globalMergeCap(topK int, rerankScale float64) int {
	a := topK
	b := int(float64(topK) * rerankScale)
	c := int(4 * float64(topK) * rerankScale)
	cap := a
	if b > cap {
		cap = b
	}
	if c > cap {
		cap = c
	}
	return cap
}

func rerankCandidates(candidates []types.Candidate, query Query, partByID map[string]*PartIndex) ([]types.Candidate, error) {
	switch query.Ann.RerankPrecision {
	case RerankInt8:
		scored := scoreInt8(candidates, query.Vector, partByID)
		sortCandidatesDesc(scored)
		return truncate(scored, query.TopK), nil
	case RerankFp32:
		cap := query.Ann.FP32RerankCap
		if cap <= 0 {
			cap = maxInt(query.TopK, 5*query.TopK)
		}
		narrowed := scoreInt8(candidates, query.Vector, partByID)
		sortCandidatesDesc(narrowed)
		narrowed = truncate(narrowed, cap)
		scored := scoreFp32(narrowed, query.Vector, query.Metric, partByID)
		sortCandidatesDesc(scored)
		return truncate(scored, query.TopK), nil
	default:
		sortCandidatesDesc(candidates)
		return truncate(candidates, query.TopK), nil
	}
}

func scoreInt8(candidates []types.Candidate, query []float32, partByID map[string]*PartIndex) []types.Candidate {
	out := make([]types.Candidate, 0, len(candidates))
	weightsByPart := make(map[string][]float32)
	for _, c := range candidates {
		part := partByID[c.PartID]
		weights, ok := weightsByPart[c.PartID]
		if !ok {
			weights = rerank.QueryWeights(query, part.Int8.Scales)
			weightsByPart[c.PartID] = weights
		}
		score, err := rerank.ScoreInt8(part.Int8, c.LocalID, weights)
		if err != nil {
			continue
		}
		c.Score = score
		out = append(out, c)
	}
	return out
}

func scoreFp32(candidates []types.Candidate, query []float32, metric types.Metric, partByID map[string]*PartIndex) []types.Candidate {
	out := make([]types.Candidate, 0, len(candidates))
	for _, c := range candidates {
		part := partByID[c.PartID]
		doc := part.Docs[c.LocalID]
		if len(doc.Vector) == 0 {
			continue
		}
		c.Score = rerank.ScoreFp32(query, doc.Vector, metric)
		out = append(out, c)
	}
	return out
}

func sortCandidatesDesc(c []types.Candidate) {
	sort.Slice(c, func(i, j int) bool { return lessCandidate(c[j], c[i]) })
}

// truncate caps c at n, including n == 0 (spec.md §8: top_k=0 returns
// empty). A negative n (top_k left unbounded by a non-HTTP caller) leaves
// c untouched.
func truncate(c []types.Candidate, n int) []types.Candidate {
	if n >= 0 && len(c) > n {
		return c[:n]
	}
	return c
}

// FuseHybrid combines vector results with BM25 text hits per query.Fusion,
// per spec.md §4.9's hybrid fusion rules.
func FuseHybrid(vector []Result, text []bm25.Scored, docsByID map[types.DocID]*types.Document, method FusionMethod, topK int) []Result {
	if len(vector) == 0 {
		out := make([]Result, 0, len(text))
		for _, t := range text {
			out = append(out, Result{DocID: t.DocID, Score: t.Score, Document: docsByID[t.DocID]})
		}
		sortResultsDesc(out)
		return truncateResults(out, topK)
	}
	if len(text) == 0 {
		sortResultsDesc(vector)
		return truncateResults(vector, topK)
	}

	switch method {
	case FusionWeighted:
		return fuseWeighted(vector, text, docsByID, topK)
	default:
		return fuseRRF(vector, text, docsByID, topK)
	}
}

const defaultRRFK = 60

func fuseRRF(vector []Result, text []bm25.Scored, docsByID map[types.DocID]*types.Document, topK int) []Result {
	scores := make(map[types.DocID]float64)
	docs := make(map[types.DocID]*types.Document)
	for rank, r := range rankedByDesc(vector) {
		scores[r.DocID] += 1.0 / float64(defaultRRFK+rank+1)
		docs[r.DocID] = r.Document
	}
	for rank, t := range text {
		scores[t.DocID] += 1.0 / float64(defaultRRFK+rank+1)
		if docs[t.DocID] == nil {
			docs[t.DocID] = docsByID[t.DocID]
		}
	}
	return materializeFused(scores, docs, topK)
}

func fuseWeighted(vector []Result, text []bm25.Scored, docsByID map[types.DocID]*types.Document, topK int) []Result {
	scores := make(map[types.DocID]float64)
	counts := make(map[types.DocID]int)
	docs := make(map[types.DocID]*types.Document)
	for _, r := range vector {
		scores[r.DocID] += r.Score
		counts[r.DocID]++
		docs[r.DocID] = r.Document
	}
	for _, t := range text {
		scores[t.DocID] += t.Score
		counts[t.DocID]++
		if docs[t.DocID] == nil {
			docs[t.DocID] = docsByID[t.DocID]
		}
	}
	for id := range scores {
		scores[id] /= float64(counts[id])
	}
	return materializeFused(scores, docs, topK)
}

func materializeFused(scores map[types.DocID]float64, docs map[types.DocID]*types.Document, topK int) []Result {
	out := make([]Result, 0, len(scores))
	for id, s := range scores {
		out = append(out, Result{DocID: id, Score: s, Document: docs[id]})
	}
	sortResultsDesc(out)
	return truncateResults(out, topK)
}

func rankedByDesc(r []Result) []Result {
	out := append([]Result{}, r...)
	sortResultsDesc(out)
	return out
}

func sortResultsDesc(r []Result) {
	sort.Slice(r, func(i, j int) bool {
		if r[i].Score != r[j].Score {
			return r[i].Score > r[j].Score
		}
		return r[i].DocID < r[j].DocID
	})
}

// truncateResults caps r at topK, including topK == 0 (spec.md §8: top_k=0
// returns empty). A negative topK leaves r untouched.
func truncateResults(r []Result, topK int) []Result {
	if topK >= 0 && len(r) > topK {
		return r[:topK]
	}
	return r
}
