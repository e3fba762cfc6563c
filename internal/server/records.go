package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/consultflow/internal/export"
)

const maxListLimit = 200

// handleRecent lists stored consultation IDs, newest first.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	l, ok := s.store.(export.Lister)
	if !ok {
		writeError(w, http.StatusNotImplemented, export.ErrUnsupported)
		return
	}
	limit, err := limitParam(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ids, err := l.Recent(r.Context(), int64(limit))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

// handleSearchPairs runs a full-text query over the stored Q&A pairs.
func (s *Server) handleSearchPairs(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.store.(export.PairSearcher)
	if !ok {
		writeError(w, http.StatusNotImplemented, export.ErrUnsupported)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, errors.New("server: q is required"))
		return
	}
	limit, err := limitParam(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pairs, err := ps.SearchPairs(r.Context(), q, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

func limitParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("server: limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}
