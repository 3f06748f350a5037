package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Shapy-Sees/sip-phone-api/internal/phone"
)

// ringRequest is the /phone/ring request body. The body is optional; an
// empty remote party rings the line without caller identification.
type ringRequest struct {
	RemoteParty string `json:"remote_party"`
}

// handleRing starts ringing the physical phone for an inbound call.
func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	var req ringRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := s.phone.TriggerRing(req.RemoteParty); err != nil {
		if errors.Is(err, phone.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, s.phone.Status())
}

// handleHangup ends the active call or stops ringing.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.phone.EndCall(); err != nil {
		if errors.Is(err, phone.ErrNotInCall) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if errors.Is(err, phone.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.phone.Status())
}
