package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/nvayro/gobfd/internal/bfd"
)

func parsePeerAddr(s string) (netip.Addr, error) {
	return netip.ParseAddr(s)
}

// NewJSONHandler returns the mount path and http.Handler for the plain JSON
// request API, the wire-level counterpart of RequestAPI for out-of-process
// callers (cmd/gobfdctl, cmd/gobfd-exabgp-bridge, cmd/gobfd-haproxy-agent).
// It deliberately avoids protobuf/connect codegen: every verb is a stdlib
// net/http pattern and every body is encoding/json, mirroring the teacher's
// own preference for plain HTTP handlers on the metrics/health mux over
// hand-rolled wire formats.
func NewJSONHandler(api *RequestAPI) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", api.handleAddSession)
	mux.HandleFunc("GET /v1/sessions", api.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{discr}", api.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{discr}", api.handleDeleteSession)
	mux.HandleFunc("GET /v1/sessions/events", api.handleWatchEvents)
	return "/v1/", mux
}

func (a *RequestAPI) handleAddSession(w http.ResponseWriter, r *http.Request) {
	var cfg bfd.SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	snap, err := a.AddSession(r.Context(), cfg, nil)
	if err != nil {
		writeJSONError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *RequestAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ListSessions(r.Context()))
}

func (a *RequestAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	discr, err := strconv.ParseUint(r.PathValue("discr"), 10, 32)
	if err != nil {
		peer := r.URL.Query().Get("peer_address")
		if peer == "" {
			writeJSONError(w, http.StatusBadRequest, ErrMissingIdentifier)
			return
		}
		addr, perr := parsePeerAddr(peer)
		if perr != nil {
			writeJSONError(w, http.StatusBadRequest, perr)
			return
		}
		snap, err := a.GetSessionByPeerAddress(addr)
		if err != nil {
			writeJSONError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	snap, err := a.GetSessionByDiscriminator(uint32(discr))
	if err != nil {
		writeJSONError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *RequestAPI) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	discr, err := strconv.ParseUint(r.PathValue("discr"), 10, 32)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.DeleteSession(r.Context(), uint32(discr)); err != nil {
		writeJSONError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWatchEvents streams newline-delimited JSON bfd.StateChange records.
// If include_current=true, every currently active session is emitted first
// as a synthetic StateChange with OldState == NewState.
func (a *RequestAPI) handleWatchEvents(w http.ResponseWriter, r *http.Request) {
	includeCurrent := r.URL.Query().Get("include_current") == "true"
	current, ch := a.WatchSessionEvents(r.Context(), includeCurrent)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	for _, snap := range current {
		_ = enc.Encode(bfd.StateChange{
			LocalDiscr: snap.LocalDiscr,
			PeerAddr:   snap.PeerAddr,
			OldState:   snap.State,
			NewState:   snap.State,
			Diag:       snap.LocalDiag,
		})
	}
	if flusher != nil {
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(sc); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, bfd.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, bfd.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, ErrDetectMultZero), errors.Is(err, ErrInvalidSessionType), errors.Is(err, ErrMissingIdentifier):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type jsonErrorBody struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, jsonErrorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
