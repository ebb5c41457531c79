package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/url2image/internal/render"
)

// Client-facing messages. Internal causes are logged, never returned.
const (
	msgInvalidJSON  = "invalid JSON"
	msgBodyTooLarge = "request body too large"
	msgRenderFailed = "Failed to render URL"
	msgShuttingDown = "service shutting down"
)

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var params render.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	res, err := s.renderer.Render(r.Context(), params)
	if err != nil {
		status, msg := classify(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("render request failed",
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("url", params.URL),
				zap.Error(err),
			)
		}
		writeError(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", res.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Bytes)))
	if s.tagger != nil {
		if tag, err := s.tagger.ETag(res.Bytes); err == nil {
			w.Header().Set("ETag", tag)
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Bytes); err != nil {
		s.logger.Warn("write image failed", zap.Error(err))
	}
}

// classify maps a render error to an HTTP status and client message.
func classify(err error) (int, string) {
	var verr *render.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Message
	case errors.Is(err, render.ErrClosed):
		return http.StatusServiceUnavailable, msgShuttingDown
	default:
		return http.StatusInternalServerError, msgRenderFailed
	}
}
