package livestream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kiosk-relay/internal/clients"
	"kiosk-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// DefaultMaxUploadBytes bounds a single multipart upload.
	DefaultMaxUploadBytes = 64 << 20
)

// Handler exposes the livestream HTTP endpoints using go-chi.
type Handler struct {
	svc       *Service
	log       *slog.Logger
	metrics   *metrics.Metrics
	validate  *validator.Validate
	maxUpload int64
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		svc:       svc,
		log:       log,
		metrics:   m,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		maxUpload: DefaultMaxUploadBytes,
	}
}

// SetMaxUploadBytes overrides the multipart upload size limit.
func (h *Handler) SetMaxUploadBytes(n int64) {
	if n > 0 {
		h.maxUpload = n
	}
}

// Routes mounts the public read endpoints on r and the mutating endpoints
// behind the given middlewares (auth, rate limiting).
func (h *Handler) Routes(r chi.Router, mutating ...func(http.Handler) http.Handler) {
	r.Route("/hls", func(r chi.Router) {
		r.Get("/streams", h.ListStreams)
		r.Get("/{client_id}/last-segment-info", h.LastSegmentInfo)
		r.Get("/{client_id}/status", h.Status)
		r.Get("/{client_id}/{file}", h.ServeFile)

		r.Group(func(r chi.Router) {
			r.Use(mutating...)
			r.Post("/upload", h.Upload)
			r.Post("/cleanup", h.Cleanup)
			r.Post("/{client_id}/reset", h.Reset)
			r.Post("/{client_id}/start", h.Start)
			r.Post("/{client_id}/stop", h.Stop)
		})
	})
}

// cleanupRequest is the body of POST /hls/cleanup.
type cleanupRequest struct {
	ClientID        string   `json:"client_id" validate:"required"`
	KeepFiles       []string `json:"keep_files"`
	KeepN           *int     `json:"keep_n,omitempty" validate:"omitempty,min=1"`
	SegmentDuration *int     `json:"segment_duration,omitempty" validate:"omitempty,min=1"`
}

// Upload handles POST /hls/upload.
// Multipart form: file, client_id, and optional sequence and timestamp (RFC 3339).
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.log.Debug("invalid upload form", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	clientID := ClientID(strings.TrimSpace(r.FormValue("client_id")))
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	var meta UploadMeta
	if v := r.FormValue("sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			writeError(w, http.StatusBadRequest, "invalid sequence")
			return
		}
		meta.Sequence = &seq
	}
	if v := r.FormValue("timestamp"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp")
			return
		}
		meta.Timestamp = &ts
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return
	}

	res, err := h.svc.Upload(r.Context(), clientID, header.Filename, data, meta)
	if err != nil {
		status := h.statusFor(err)
		h.log.Log(r.Context(), levelFor(status), "segment upload rejected",
			slog.String("client_id", string(clientID)),
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()))
		writeError(w, status, messageFor(err))
		return
	}

	h.log.Debug("segment uploaded",
		slog.String("client_id", string(clientID)),
		slog.String("filename", res.Filename),
		slog.Int("size", len(data)))
	writeJSON(w, http.StatusOK, res)
	if h.metrics != nil {
		h.metrics.IncSegmentsUploaded()
	}
}

// Cleanup handles POST /hls/cleanup.
// Body: { "client_id": "c1", "keep_files": ["segment_3.ts"], "keep_n": 4, "segment_duration": 6 }.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid cleanup body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	keepN, duration := DefaultKeepN, DefaultSegmentDuration
	if req.KeepN != nil {
		keepN = *req.KeepN
	}
	if req.SegmentDuration != nil {
		duration = *req.SegmentDuration
	}

	res, err := h.svc.Cleanup(r.Context(), ClientID(req.ClientID), req.KeepFiles, keepN, duration)
	if err != nil {
		status := h.statusFor(err)
		h.log.Error("cleanup failed",
			slog.String("client_id", req.ClientID),
			slog.String("error", err.Error()))
		writeError(w, status, messageFor(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LastSegmentInfo handles GET /hls/{client_id}/last-segment-info.
func (h *Handler) LastSegmentInfo(w http.ResponseWriter, r *http.Request) {
	clientID := ClientID(chi.URLParam(r, "client_id"))

	info, err := h.svc.LastSegmentInfo(clientID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoManifest), errors.Is(err, ErrNoSegments), errors.Is(err, ErrSegmentMissing):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			h.log.Error("last segment info failed",
				slog.String("client_id", string(clientID)),
				slog.String("error", err.Error()))
			writeError(w, h.statusFor(err), messageFor(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Reset handles POST /hls/{client_id}/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	clientID := ClientID(chi.URLParam(r, "client_id"))

	existed, err := h.svc.Reset(r.Context(), clientID)
	if err != nil {
		var pde *PartialDeleteError
		if errors.As(err, &pde) {
			h.log.Warn("reset left files behind",
				slog.String("client_id", string(clientID)),
				slog.Any("failed", pde.Failed))
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "could not delete all files",
				"failed": pde.Failed,
			})
			return
		}
		h.log.Error("reset failed",
			slog.String("client_id", string(clientID)),
			slog.String("error", err.Error()))
		writeError(w, h.statusFor(err), messageFor(err))
		return
	}

	msg := "reset done"
	if !existed {
		msg = "already cleaned"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// Start handles POST /hls/{client_id}/start.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	h.setStopped(w, r, false)
}

// Stop handles POST /hls/{client_id}/stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.setStopped(w, r, true)
}

func (h *Handler) setStopped(w http.ResponseWriter, r *http.Request, stop bool) {
	clientID := ClientID(chi.URLParam(r, "client_id"))

	var (
		st  StreamStatus
		err error
	)
	if stop {
		st, err = h.svc.Stop(r.Context(), clientID)
	} else {
		st, err = h.svc.Start(r.Context(), clientID)
	}
	if err != nil {
		writeError(w, h.statusFor(err), messageFor(err))
		return
	}
	h.log.Info("stream state changed",
		slog.String("client_id", string(clientID)),
		slog.Bool("stopped", st.Stopped))
	writeJSON(w, http.StatusOK, st)
}

// Status handles GET /hls/{client_id}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(ClientID(chi.URLParam(r, "client_id")))
	if err != nil {
		writeError(w, h.statusFor(err), messageFor(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListStreams handles GET /hls/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Streams())
}

// ServeFile handles GET /hls/{client_id}/{file}: the manifest and segments
// for players.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	clientID := ClientID(chi.URLParam(r, "client_id"))
	name := chi.URLParam(r, "file")

	f, err := h.svc.Open(clientID, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidClientID) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("open file failed",
			slog.String("client_id", string(clientID)),
			slog.String("file", name),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch extOf(name) {
	case ".m3u8":
		w.Header().Set("Content-Type", playlistContentType)
		w.Header().Set("Cache-Control", "no-cache")
	case ExtTS:
		w.Header().Set("Content-Type", "video/mp2t")
	case ExtMP4:
		w.Header().Set("Content-Type", "video/mp4")
	}
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

// statusFor maps service errors to HTTP status codes.
func (h *Handler) statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnsupportedMediaType),
		errors.Is(err, ErrInvalidSegmentName),
		errors.Is(err, ErrInvalidClientID):
		return http.StatusBadRequest
	case errors.Is(err, clients.ErrUnknownClient):
		return http.StatusForbidden
	case errors.Is(err, clients.ErrRegistryUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrDuplicateSegment), errors.Is(err, ErrStreamStopped):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the client-facing message for err. Storage details stay in the logs.
func messageFor(err error) string {
	var se *StorageError
	if errors.As(err, &se) {
		return "storage failure"
	}
	return err.Error()
}

func levelFor(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelError
	}
	return slog.LevelInfo
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
