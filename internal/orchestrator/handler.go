package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"hls-ondemand/internal/platform/metrics"
	"hls-ondemand/internal/segments"

	"github.com/go-chi/chi/v5"
)

// statusClientClosedRequest answers a request whose client went away.
const statusClientClosedRequest = 499

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
	playlistExt         = ".m3u8"
)

// Handler exposes the streaming endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
	baseURL string
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests). baseURL is
// the public origin used in returned playlist URLs; when empty it is derived
// from each request.
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics, baseURL string) *Handler {
	return &Handler{svc: svc, log: log, metrics: m, baseURL: strings.TrimRight(baseURL, "/")}
}

// APIRoutes mounts the control endpoints.
func (h *Handler) APIRoutes(r chi.Router) {
	r.Post("/api/stream", h.CreateStream)
	r.Post("/api/stream/seek", h.Seek)
	r.Get("/api/streams", h.ListStreams)
	r.Get("/api/stream/{id}", h.GetStream)
	r.Delete("/api/stream/{id}", h.StopStream)

	r.Post("/api/local2hls", h.CreateStream)
	r.Post("/api/local2hls/seek", h.Seek)
}

// MediaRoutes mounts playlist and segment delivery under /stream and /hls.
func (h *Handler) MediaRoutes(r chi.Router) {
	for _, prefix := range []string{"/stream", "/hls"} {
		r.Route(prefix, func(r chi.Router) {
			r.Use(allowCORS)
			r.Get("/{playlist}", h.GetPlaylist)
			r.Get("/{id}/{segment}", h.GetSegment)
		})
	}
	r.Get("/whoami", h.WhoAmI)
}

// CreateStream handles POST /api/stream.
// Body: { "filePath": "/media/movie.mkv", "pushToTv": false }.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req CreateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid create body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	sess, err := h.svc.CreateStream(r.Context(), req.FilePath)
	if err != nil {
		h.writeError(w, err)
		return
	}

	base := h.publicBase(r)
	resp := CreateStreamResponse{
		StreamID:    sess.ID(),
		PlaylistURL: base + "/stream/" + string(sess.ID()) + playlistExt,
		HLSURL:      base + "/hls/" + string(sess.ID()) + playlistExt,
	}
	if req.PushToTV {
		resp.PushedToTV = h.svc.PushToTV(r.Context(), resp.HLSURL)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Seek handles POST /api/stream/seek.
// Body: { "streamId": "local_...", "position": 1800 }.
//
// Timeouts and superseded seeks are soft failures: 200 with success false.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SeekResponse{Error: "invalid JSON body"})
		return
	}
	if req.StreamID == "" {
		writeJSON(w, http.StatusBadRequest, SeekResponse{Error: "streamId is required"})
		return
	}

	res, err := h.svc.Seek(r.Context(), req.StreamID, req.Position)
	resp := SeekResponse{
		Success:      err == nil,
		StreamID:     req.StreamID,
		Position:     req.Position,
		Segment:      res.TargetIndex,
		FirstSegment: res.FirstIndex,
		Restarted:    res.Restarted,
		Ready:        res.Ready,
	}

	switch {
	case err == nil:
		h.log.Info("seek",
			slog.String("stream_id", string(req.StreamID)),
			slog.Float64("position", req.Position),
			slog.Int("segment", res.TargetIndex),
			slog.Bool("restarted", res.Restarted))
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, ErrSeekTimeout):
		resp.Reason = "timeout"
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, ErrSeekSuperseded):
		resp.Reason = "superseded"
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, context.Canceled):
		h.log.Debug("seek abandoned by client", slog.String("stream_id", string(req.StreamID)))
		resp.Reason = "cancelled"
		resp.Error = err.Error()
		writeJSON(w, statusClientClosedRequest, resp)
	default:
		status := h.statusFor(err)
		resp.Error = err.Error()
		writeJSON(w, status, resp)
	}
}

// GetStream handles GET /api/stream/{id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Info(r.Context(), StreamID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListStreams handles GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"streams": h.svc.List(r.Context())})
}

// StopStream handles DELETE /api/stream/{id}.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	id := StreamID(chi.URLParam(r, "id"))
	if err := h.svc.Stop(r.Context(), id); err != nil {
		if errors.Is(err, ErrUnknownStream) {
			h.writeError(w, err)
			return
		}
		// The session is already unregistered; report the cleanup problem.
		h.log.Error("stop stream", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
	}
	h.log.Info("stream stopped", slog.String("stream_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

// GetPlaylist handles GET /stream/{id}.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "playlist")
	id, ok := strings.CutSuffix(name, playlistExt)
	if !ok || id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	m3u8, err := h.svc.Playlist(StreamID(id))
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// GetSegment handles GET /stream/{id}/index{n}.ts.
//
// A 404 for a known stream means the segment has not been produced yet; the
// client is expected to answer it with a seek.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id := StreamID(chi.URLParam(r, "id"))
	index, ok := segments.ParseFilename(chi.URLParam(r, "segment"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data, err := h.svc.Segment(id, index)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// WhoAmI handles GET /whoami, the liveness probe.
func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "hls-ondemand",
		"hostname": host,
		"streams":  h.svc.Registry().Len(),
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := h.statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *Handler) statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownStream), errors.Is(err, ErrSegmentNotReady):
		return http.StatusNotFound
	case errors.Is(err, ErrEncoderFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) publicBase(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}
