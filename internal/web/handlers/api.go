package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/segmatch/internal/corpus"
	"github.com/segmatch/internal/geohash"
	"github.com/segmatch/internal/lock"
	"github.com/segmatch/internal/matcher"
	"github.com/segmatch/internal/store"
)

// Service is the matching engine as seen by the API.
type Service interface {
	RefreshCorpus(ctx context.Context, force bool) (corpus.RefreshResult, error)
	Process(ctx context.Context, d store.Disruption) (matcher.Outcome, error)
	ProcessByID(ctx context.Context, id string) (matcher.Outcome, error)
	MatchBatch(ctx context.Context, disruptions []store.Disruption) matcher.BatchStats
	GetMappingsFor(ctx context.Context, id string) ([]store.MappingView, error)
}

// Catalog is the read side of the store the API lists from.
type Catalog interface {
	SegmentsNear(ctx context.Context, lat, lon float64) ([]store.StreetSegment, error)
	ListDisruptions(ctx context.Context, limit int) ([]store.Disruption, error)
	Ping(ctx context.Context) error
}

// APIHandler serves the matching endpoints.
type APIHandler struct {
	Service Service
	Catalog Catalog
	Logger  *zap.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *APIHandler) fail(w http.ResponseWriter, status int, msg string, err error) {
	if status >= http.StatusInternalServerError {
		h.Logger.Error(msg, zap.Error(err))
	}
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// Health reports whether the store is reachable.
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.Ping(r.Context()); err != nil {
		h.fail(w, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RefreshCorpus refreshes the segment corpus. ?force=true skips the
// freshness check.
func (h *APIHandler) RefreshCorpus(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := h.Service.RefreshCorpus(r.Context(), force)
	switch {
	case errors.Is(err, lock.ErrHeld):
		writeJSON(w, http.StatusConflict, res)
	case err != nil:
		h.Logger.Error("corpus refresh failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type matchRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// MatchDisruption matches one disruption and stores its mappings. The text
// comes from the request body when given, else from the stored record.
func (h *APIHandler) MatchDisruption(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req matchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.fail(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	var (
		out matcher.Outcome
		err error
	)
	if req.Title != nil || req.Description != nil {
		d := store.Disruption{ID: id}
		if req.Title != nil {
			d.Title = *req.Title
		}
		if req.Description != nil {
			d.Description = *req.Description
		}
		out, err = h.Service.Process(r.Context(), d)
	} else {
		out, err = h.Service.ProcessByID(r.Context(), id)
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		h.fail(w, http.StatusNotFound, "disruption not found", nil)
	case err != nil:
		h.fail(w, http.StatusInternalServerError, "matching failed", err)
	default:
		if out.Results == nil {
			out.Results = []store.MatchResult{}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type batchRequest struct {
	Disruptions []store.Disruption `json:"disruptions"`
	// Limit applies when Disruptions is empty and the stored records are
	// matched instead.
	Limit int `json:"limit"`
}

// MatchBatch matches the posted disruptions, or the stored ones when none
// are posted.
func (h *APIHandler) MatchBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.fail(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	batch := req.Disruptions
	if len(batch) == 0 {
		var err error
		batch, err = h.Catalog.ListDisruptions(r.Context(), req.Limit)
		if err != nil {
			h.fail(w, http.StatusInternalServerError, "failed to list disruptions", err)
			return
		}
	}
	for _, d := range batch {
		if d.ID == "" {
			h.fail(w, http.StatusBadRequest, "every disruption needs an id", nil)
			return
		}
	}

	writeJSON(w, http.StatusOK, h.Service.MatchBatch(r.Context(), batch))
}

// GetMappings lists the stored segment mappings of a disruption.
func (h *APIHandler) GetMappings(w http.ResponseWriter, r *http.Request) {
	views, err := h.Service.GetMappingsFor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "failed to load mappings", err)
		return
	}
	if views == nil {
		views = []store.MappingView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// SegmentsNear lists corpus segments in the coarse bucket around ?lat=&lon=.
func (h *APIHandler) SegmentsNear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		h.fail(w, http.StatusBadRequest, "lat and lon are required numbers", nil)
		return
	}

	segs, err := h.Catalog.SegmentsNear(r.Context(), lat, lon)
	switch {
	case errors.Is(err, geohash.ErrInvalidCoordinate):
		h.fail(w, http.StatusBadRequest, "coordinate out of range", nil)
	case err != nil:
		h.fail(w, http.StatusInternalServerError, "failed to load segments", err)
	default:
		if segs == nil {
			segs = []store.StreetSegment{}
		}
		writeJSON(w, http.StatusOK, segs)
	}
}
