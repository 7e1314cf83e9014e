package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/marcus/fitsync/internal/remote"
)

const maxSelectLimit = 1000

var collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// SelectResponse is the body of GET /v1/tables/{collection}.
type SelectResponse struct {
	Records []remote.Record `json:"records"`
}

func (s *Server) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	c := r.PathValue("collection")
	if !collectionPattern.MatchString(c) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid collection name")
		return "", false
	}
	return c, true
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (remote.Record, bool) {
	var rec remote.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON: "+err.Error())
		return nil, false
	}
	if rec == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "body must be a JSON object")
		return nil, false
	}
	return rec, true
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collection(w, r)
	if !ok {
		return
	}
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	if id, present := rec["id"]; present && remote.IDOf(id) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "id must not be empty")
		return
	}

	stored, err := s.store.Insert(r.Context(), c, rec)
	if err != nil {
		logFor(r.Context()).Error("insert", "collection", c, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "insert failed")
		return
	}
	s.metrics.RecordTableOp(r.Method)
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collection(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	patch, ok := decodeRecord(w, r)
	if !ok {
		return
	}

	err := s.store.Update(r.Context(), c, id, patch)
	if errors.Is(err, remote.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "record not found")
		return
	}
	if err != nil {
		logFor(r.Context()).Error("update", "collection", c, "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "update failed")
		return
	}
	s.metrics.RecordTableOp(r.Method)
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collection(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), c, id); err != nil {
		logFor(r.Context()).Error("delete", "collection", c, "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "delete failed")
		return
	}
	s.metrics.RecordTableOp(r.Method)
	w.WriteHeader(http.StatusNoContent)
}

// handleSelect serves GET /v1/tables/{collection}?where={json}&limit=N.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collection(w, r)
	if !ok {
		return
	}

	var filter remote.Filter
	if where := r.URL.Query().Get("where"); where != "" {
		if err := json.Unmarshal([]byte(where), &filter); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidQuery, "where must be a JSON object")
			return
		}
	}
	limit := maxSelectLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidQuery, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSelectLimit)
	}

	rows, err := s.store.SelectWhere(r.Context(), c, filter, limit)
	if err != nil {
		logFor(r.Context()).Error("select", "collection", c, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "select failed")
		return
	}
	if rows == nil {
		rows = []remote.Record{}
	}
	s.metrics.RecordTableOp(r.Method)
	writeJSON(w, http.StatusOK, SelectResponse{Records: rows})
}
