package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/compose"
	"github.com/ent0n29/pairbooth/internal/config"
	"github.com/ent0n29/pairbooth/internal/layout"
	"github.com/ent0n29/pairbooth/internal/observability"
	"github.com/ent0n29/pairbooth/internal/protocol"
	"github.com/ent0n29/pairbooth/internal/segments"
	"github.com/ent0n29/pairbooth/internal/signaling"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

type Deps struct {
	Hub       *signaling.Hub
	Rooms     *signaling.Registry
	Segments  *segments.Service
	Layouts   *layout.Catalog
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	IndexMode string
}

type Server struct {
	cfg       config.Config
	hub       *signaling.Hub
	rooms     *signaling.Registry
	segments  *segments.Service
	layouts   *layout.Catalog
	metrics   *observability.Metrics
	logger    *zap.Logger
	indexMode string
	upgrader  websocket.Upgrader
	validate  *validator.Validate
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		hub:       deps.Hub,
		rooms:     deps.Rooms,
		segments:  deps.Segments,
		layouts:   deps.Layouts,
		metrics:   deps.Metrics,
		logger:    logger.Named("http"),
		indexMode: deps.IndexMode,
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/stats/stages", s.handleStageStats)

	r.Get("/v1/signal/ws", s.handleSignalWS)
	r.Get("/v1/rooms/{id}", s.handleGetRoom)
	r.Get("/v1/layouts", s.handleListLayouts)
	r.Get("/v1/layouts/{id}", s.handleGetLayout)

	r.Post("/segments", s.handleUploadSegment)
	r.Post("/compose-from-uploaded", s.handleComposeFromUploaded)
	r.Post("/v1/artifacts", s.handleUploadArtifact)
	r.Handle("/artifacts/*", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(s.cfg.ArtifactsDir))))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_rooms": s.rooms.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"segment_index": s.indexMode,
		"layouts":       len(s.layouts.List()),
	})
}

func (s *Server) handleStageStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Stages())
}

type signalQuery struct {
	RoomID string `validate:"required,max=128"`
	UserID string `validate:"required,max=128"`
	Role   string `validate:"required,oneof=host guest"`
}

func (s *Server) handleSignalWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := signalQuery{
		RoomID: strings.TrimSpace(q.Get("roomId")),
		UserID: strings.TrimSpace(q.Get("userId")),
		Role:   strings.TrimSpace(q.Get("role")),
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, "roomId, userId and role=host|guest are required")
		return
	}

	peer, err := s.hub.Connect(req.RoomID, req.UserID, protocol.Role(req.Role))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, signaling.ErrInvalidPeer):
			status = http.StatusBadRequest
		case errors.Is(err, signaling.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, signaling.ErrHostPresent), errors.Is(err, signaling.ErrDuplicatePeer):
			status = http.StatusConflict
		case errors.Is(err, signaling.ErrRoomEnded):
			status = http.StatusGone
		}
		respondError(w, status, "room-unavailable", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Disconnect(peer)
		return
	}
	s.hub.ServeConn(r.Context(), conn, peer)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.rooms.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "room-not-found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, room)
}

func (s *Server) handleListLayouts(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"layouts": s.layouts.List()})
}

func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	l, err := s.layouts.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "layout-not-found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, l)
}

func (s *Server) handleUploadSegment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxSegmentBytes)+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.respondBodyError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	shot, err := strconv.Atoi(r.FormValue("shotNumber"))
	if err != nil {
		respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, "shotNumber must be an integer")
		return
	}
	var duration time.Duration
	if raw := strings.TrimSpace(r.FormValue("durationMs")); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, "durationMs must be a non-negative integer")
			return
		}
		duration = time.Duration(ms) * time.Millisecond
	}
	var frames int
	if raw := strings.TrimSpace(r.FormValue("frameCount")); raw != "" {
		frames, err = strconv.Atoi(raw)
		if err != nil || frames < 0 {
			respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, "frameCount must be a non-negative integer")
			return
		}
	}
	file, header, err := r.FormFile("video")
	if err != nil {
		respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, "video file is required")
		return
	}
	defer file.Close()

	_, err = s.segments.Accept(r.Context(), segments.Upload{
		RoomID:      strings.TrimSpace(r.FormValue("roomId")),
		CaptureID:   strings.TrimSpace(r.FormValue("captureId")),
		UserID:      strings.TrimSpace(r.FormValue("userId")),
		Shot:        shot,
		Duration:    duration,
		Frames:      frames,
		ContentType: header.Header.Get("Content-Type"),
		Filename:    header.Filename,
		Body:        file,
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]bool{"accepted": true})
	case errors.Is(err, segments.ErrTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, "too-large", err.Error())
	case errors.Is(err, segments.ErrInvalidSegment):
		respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, err.Error())
	default:
		s.logger.Error("store segment", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to store segment")
	}
}

type composeErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	MissingShots []int  `json:"missingShots,omitempty"`
}

func (s *Server) handleComposeFromUploaded(w http.ResponseWriter, r *http.Request) {
	var req segments.ComposeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, err.Error())
		return
	}
	videoURL, err := s.segments.ComposeFromUploaded(r.Context(), req)
	if err == nil {
		respondJSON(w, http.StatusOK, map[string]string{"videoUrl": videoURL})
		return
	}

	var ce *segments.ComposeError
	if !errors.As(err, &ce) {
		s.logger.Error("compose from uploaded", zap.String("room_id", req.RoomID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "composition failed")
		return
	}
	status := http.StatusInternalServerError
	switch ce.Reason {
	case compose.ReasonInvalidRequest:
		status = http.StatusBadRequest
	case compose.ReasonInvalidLayout:
		status = http.StatusUnprocessableEntity
	case compose.ReasonMissingSegments:
		status = http.StatusConflict
	}
	respondJSON(w, status, composeErrorResponse{Error: ce.Error(), Code: ce.Reason, MissingShots: ce.Missing})
}

func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxSegmentBytes)+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.respondBodyError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, "file is required")
		return
	}
	defer file.Close()

	artifactURL, err := s.segments.SaveArtifact(strings.TrimSpace(r.FormValue("roomId")), header.Filename, file)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"url": artifactURL})
	case errors.Is(err, segments.ErrTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, "too-large", err.Error())
	case errors.Is(err, segments.ErrInvalidSegment):
		respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, err.Error())
	default:
		s.logger.Error("store artifact", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to store artifact")
	}
}

func (s *Server) respondBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		respondError(w, http.StatusRequestEntityTooLarge, "too-large", "request body too large")
		return
	}
	respondError(w, http.StatusBadRequest, compose.ReasonInvalidRequest, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
