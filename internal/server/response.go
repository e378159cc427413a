package server

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Warn("failed to encode json response")
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg, details string) {
	s.writeJSON(w, status, errorBody{Error: msg, Details: details})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSONError(w, http.StatusBadRequest, msg, "")
}

func (s *Server) notFound(w http.ResponseWriter, msg string) {
	s.writeJSONError(w, http.StatusNotFound, msg, "")
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func logLevelFor(status int) logrus.Level {
	switch {
	case status >= 500:
		return logrus.ErrorLevel
	case status >= 400:
		return logrus.WarnLevel
	}
	return logrus.InfoLevel
}
