package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sitorouter/sitorouter/internal/db"
	"github.com/sitorouter/sitorouter/internal/errs"
	"github.com/sitorouter/sitorouter/internal/packet"
)

// CreateRequestBody starts a flow on a named work class.
type CreateRequestBody struct {
	WorkClass string          `json:"work_class"`
	Cargo     json.RawMessage `json:"cargo"`
	RecordID  string          `json:"record_id,omitempty"`
	BatchID   string          `json:"batch_id,omitempty"`
	SystemID  string          `json:"system_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

type CreateRequestResponse struct {
	RecordID string `json:"record_id"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// createRequest starts a new flow on a work class, per spec §4.3
// publishStart.
func (a *App) createRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errs.Wrap(errs.MissingInput, "invalid JSON body", err))
		return
	}
	if body.WorkClass == "" {
		writeError(w, http.StatusBadRequest, errs.New(errs.MissingInput, "work_class is required"))
		return
	}
	if body.RecordID == "" {
		body.RecordID = uuid.NewString()
	}

	initial := &packet.Settings{
		RecordID: body.RecordID,
		BatchID:  body.BatchID,
		SystemID: body.SystemID,
		UserID:   body.UserID,
	}

	pkt, err := a.Core.PublishStart(r.Context(), body.WorkClass, body.Cargo, initial)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateRequestResponse{RecordID: pkt.Settings.RecordID})
}

// getRequest returns the relational request row and its tags, each tag
// under its own name with its stored string value; the packet snapshot in
// _sito_settings/_sito_cargo is returned as stored, not decoded.
func (a *App) getRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, errs.New(errs.MissingInput, "id is required"))
		return
	}
	if a.DB == nil {
		writeError(w, http.StatusServiceUnavailable, errs.New(errs.StageError, "relational store not configured"))
		return
	}

	req, tags, err := a.DB.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	out := map[string]any{"request": req}
	for _, t := range tags {
		out[t.TagName] = t.TagValue
	}
	writeJSON(w, http.StatusOK, out)
}

// replayRequest reconstructs the packet last snapshotted for id from its
// request tags and re-drives it through PublishNext from wherever its
// history left off.
func (a *App) replayRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, errs.New(errs.MissingInput, "id is required"))
		return
	}
	if a.DB == nil {
		writeError(w, http.StatusServiceUnavailable, errs.New(errs.StageError, "relational store not configured"))
		return
	}

	_, tags, err := a.DB.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var settingsJSON, cargoJSON string
	for _, t := range tags {
		switch t.TagName {
		case db.TagSettings:
			settingsJSON = t.TagValue
		case db.TagCargo:
			cargoJSON = t.TagValue
		}
	}
	if settingsJSON == "" {
		writeError(w, http.StatusNotFound, errs.New(errs.StageError, "no settings snapshot for "+id))
		return
	}

	var settings packet.Settings
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		writeError(w, http.StatusInternalServerError, errs.Wrap(errs.JSONDecodeError, "unmarshal settings snapshot", err))
		return
	}
	pkt := &packet.Packet{Cargo: json.RawMessage(cargoJSON), Settings: settings}

	if err := a.Core.PublishNext(r.Context(), pkt, 0); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "record_id": id})
}
