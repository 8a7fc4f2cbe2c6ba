package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/koscakluka/ema-avatar/core/credentials"
)

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// writeTokenError maps a token issuing failure to the status the issuing
// service returned, or 400 when no subscription key is configured.
func writeTokenError(w http.ResponseWriter, err error, detail string) {
	if errors.Is(err, credentials.ErrNotConfigured) {
		writeError(w, http.StatusBadRequest, "Missing speech subscription key.")
		return
	}

	status := http.StatusBadGateway
	var statusErr *credentials.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.StatusCode
	}
	writeError(w, status, detail)
}

func (s *Server) speechRegionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"speech_region": s.deps.Tokens.Region()})
}

func (s *Server) supportedLanguagesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"supported_languages": s.cfg.Server.SupportedLanguages})
}

func (s *Server) speechTokenHandler(w http.ResponseWriter, r *http.Request) {
	token, err := s.deps.Tokens.SpeechToken(r.Context())
	if err != nil {
		logger.WarnContext(r.Context(), "failed to issue speech token", "error", err)
		writeTokenError(w, err, "Failed to get speech token.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) iceServerTokenHandler(w http.ResponseWriter, r *http.Request) {
	token, err := s.deps.Tokens.RelayToken(r.Context())
	if err != nil {
		logger.WarnContext(r.Context(), "failed to fetch ice server token", "error", err)
		writeTokenError(w, err, "Failed to get ICE server token.")
		return
	}
	writeJSON(w, http.StatusOK, token)
}
