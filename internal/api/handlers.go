package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/filter"
	"github.com/elax-db/elax/internal/planner"
	"github.com/elax-db/elax/internal/types"
)

type createNamespaceRequest struct {
	Schema types.Schema `json:"schema"`
}

type createNamespaceResponse struct {
	Namespace string `json:"namespace"`
	Created   bool   `json:"created"`
}

func (s *Server) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "ns")
	decision := s.router.RouteWrite(ns)
	if !decision.ServeLocally {
		writeRedirect(w, r, decision)
		return
	}

	var req createNamespaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.Validation, err, "decode request body"))
		return
	}

	_, created, err := s.manager.Create(r.Context(), ns, req.Schema)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createNamespaceResponse{Namespace: ns, Created: created})
}

type upsertRequest struct {
	Documents []types.Document `json:"documents,omitempty"`
	Deletes   []types.DocID    `json:"deletes,omitempty"`
}

type upsertResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "ns")
	decision := s.router.RouteWrite(ns)
	if !decision.ServeLocally {
		writeRedirect(w, r, decision)
		return
	}

	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.Validation, err, "decode request body"))
		return
	}
	if len(req.Documents) == 0 && len(req.Deletes) == 0 {
		writeError(w, errs.New(errs.Validation, "documents or deletes must be non-empty"))
		return
	}

	namespace, err := s.manager.Get(r.Context(), ns)
	if err != nil {
		writeError(w, err)
		return
	}

	var count int
	if len(req.Documents) > 0 {
		n, err := namespace.Upsert(req.Documents)
		if err != nil {
			writeError(w, err)
			return
		}
		count += n
	}
	if len(req.Deletes) > 0 {
		n, err := namespace.Delete(r.Context(), req.Deletes)
		if err != nil {
			writeError(w, err)
			return
		}
		count += n
	}
	writeJSON(w, http.StatusOK, upsertResponse{Count: count})
}

type annParamsRequest struct {
	KTrained          int     `json:"k_trained,omitempty"`
	ProbeFraction     float64 `json:"probe_fraction,omitempty"`
	NProbeCap         int     `json:"nprobe_cap,omitempty"`
	PerPartLimit      int     `json:"per_part_limit,omitempty"`
	RerankPrecision   string  `json:"rerank_precision,omitempty"`
	RerankScale       float64 `json:"rerank_scale,omitempty"`
	FP32RerankCap     int     `json:"fp32_rerank_cap,omitempty"`
	SmallPartFallback bool    `json:"small_part_fallback,omitempty"`
}

type queryRequest struct {
	Vector     []float32    `json:"vector,omitempty"`
	FullText   string       `json:"full_text,omitempty"`
	TextFields []string     `json:"text_fields,omitempty"`
	Filter     *filter.Node `json:"filter,omitempty"`
	// TopK is a pointer so an absent field can be told apart from an
	// explicit 0: spec.md §8 requires top_k=0 to return empty, not fall
	// back to the default.
	TopK              *int              `json:"top_k,omitempty"`
	Metric            string            `json:"metric,omitempty"`
	AnnParams         *annParamsRequest `json:"ann_params,omitempty"`
	MinWalSequence    uint64            `json:"min_wal_sequence,omitempty"`
	IncludeVector     bool              `json:"include_vector,omitempty"`
	IncludeAttributes []string          `json:"include_attributes,omitempty"`
	Fusion            string            `json:"fusion,omitempty"`
	BestEffort        bool              `json:"best_effort,omitempty"`
}

type resultDTO struct {
	ID         types.DocID    `json:"id"`
	Score      float64        `json:"score"`
	Vector     []float32      `json:"vector,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type queryResponse struct {
	Results []resultDTO `json:"results"`
	TookMs  int64       `json:"took_ms"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "ns")
	decision := s.router.RouteRead(ns)
	if !decision.ServeLocally {
		writeRedirect(w, r, decision)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.Validation, err, "decode request body"))
		return
	}
	topK := 10
	if req.TopK != nil {
		topK = *req.TopK
	}

	namespace, err := s.manager.Get(r.Context(), ns)
	if err != nil {
		writeError(w, err)
		return
	}

	metric := types.Metric(req.Metric)
	if metric == "" {
		metric = namespace.Schema().Metric
	}

	query := planner.Query{
		Vector:         req.Vector,
		Text:           req.FullText,
		TextFields:     req.TextFields,
		Filter:         req.Filter,
		TopK:           topK,
		Metric:         metric,
		MinWalSequence: req.MinWalSequence,
		Fusion:         planner.FusionRRF,
		BestEffort:     req.BestEffort,
		Ann:            annParamsFromRequest(req.AnnParams),
	}
	if req.Fusion == string(planner.FusionWeighted) {
		query.Fusion = planner.FusionWeighted
	}

	start := time.Now()
	results, err := namespace.Query(r.Context(), s.store, query)
	if err != nil {
		writeError(w, err)
		return
	}

	dtos := make([]resultDTO, 0, len(results))
	for _, res := range results {
		dto := resultDTO{ID: res.DocID, Score: res.Score}
		if req.IncludeVector && res.Document != nil {
			dto.Vector = res.Document.Vector
		}
		if res.Document != nil && len(req.IncludeAttributes) > 0 {
			dto.Attributes = make(map[string]any, len(req.IncludeAttributes))
			for _, field := range req.IncludeAttributes {
				if v, ok := res.Document.Attributes[field]; ok {
					dto.Attributes[field] = v
				}
			}
		}
		dtos = append(dtos, dto)
	}

	writeJSON(w, http.StatusOK, queryResponse{Results: dtos, TookMs: elapsedMs(start)})
}

func annParamsFromRequest(req *annParamsRequest) planner.AnnParams {
	if req == nil {
		return planner.AnnParams{SmallPartFallback: true, PerPartLimit: 256, RerankPrecision: planner.RerankFp32}
	}
	precision := planner.RerankPrecision(req.RerankPrecision)
	switch precision {
	case planner.RerankNone, planner.RerankInt8, planner.RerankFp32:
	default:
		precision = planner.RerankFp32
	}
	perPartLimit := req.PerPartLimit
	if perPartLimit <= 0 {
		perPartLimit = 256
	}
	return planner.AnnParams{
		SmallPartFallback: req.SmallPartFallback,
		KTrained:          req.KTrained,
		ProbeFraction:     req.ProbeFraction,
		NProbeCap:         req.NProbeCap,
		PerPartLimit:      perPartLimit,
		RerankPrecision:   precision,
		RerankScale:       req.RerankScale,
		FP32RerankCap:     req.FP32RerankCap,
	}
}
