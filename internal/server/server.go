// Package server exposes the relay over HTTP: producer and subscriber websockets, health,
// metrics and a small inspection API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmorsell/frame-relay/internal/framebuf"
	"github.com/vmorsell/frame-relay/internal/metrics"
	"github.com/vmorsell/frame-relay/internal/ratelimit"
	"github.com/vmorsell/frame-relay/internal/relay"
	"github.com/vmorsell/frame-relay/internal/slots"
	"github.com/vmorsell/frame-relay/internal/transport"
	"github.com/vmorsell/frame-relay/pkg/model"
	"go.uber.org/zap"
)

const (
	PathCamera    = "/ws/camera"
	PathSubscribe = "/ws"
	PathHealth    = "/healthz"
	PathMetrics   = "/metrics"
	PathCameras   = "/api/cameras"
	PathJournal   = "/api/cameras/journal"

	readBufferSize = 4096
	queryTimeout   = 2 * time.Second

	ErrRateLimited      = "rate limit exceeded"
	ErrNoJournal        = "status journal not configured"
	ErrRelayUnavailable = "relay unavailable"
)

// Relay is the part of the relay pump the HTTP surface uses.
type Relay interface {
	Admit(ctx context.Context, conn slots.Conn, remote string) error
	Slots(ctx context.Context) ([]model.SlotInfo, error)
}

// Subscribers serves subscriber websockets.
type Subscribers interface {
	Serve(conn *websocket.Conn, remote string)
	Count() int
}

// Journal reads journaled camera statuses.
type Journal interface {
	GetStatuses(ctx context.Context, cameras []model.CameraID) ([]model.CameraStatus, error)
}

type Options struct {
	Transport transport.Options
	// ChunkSize sizes subscriber write buffers so each chunk leaves as one fragment.
	ChunkSize int
	// Journal is optional.
	Journal Journal
}

type Handler struct {
	logger      *zap.Logger
	relay       Relay
	subscribers Subscribers
	limiter     *ratelimit.RateLimiter
	metrics     *metrics.Metrics
	opts        Options

	producerUpgrader   websocket.Upgrader
	subscriberUpgrader websocket.Upgrader
}

func NewHandler(logger *zap.Logger, r Relay, subs Subscribers, limiter *ratelimit.RateLimiter, m *metrics.Metrics, opts Options) *Handler {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = framebuf.DefaultChunkSize
	}
	if limiter == nil {
		limiter = ratelimit.NewRateLimiter(ratelimit.DefaultConnectionRateLimit, ratelimit.DefaultWindowSize)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		logger:      logger,
		relay:       r,
		subscribers: subs,
		limiter:     limiter,
		metrics:     m,
		opts:        opts,
		producerUpgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		subscriberUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: opts.ChunkSize,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Routes returns the HTTP handler for every endpoint.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathCamera, h.handleCamera)
	mux.HandleFunc("GET "+PathSubscribe, h.handleSubscribe)
	mux.HandleFunc("GET "+PathHealth, h.handleHealth)
	mux.Handle("GET "+PathMetrics, h.metrics.Handler())
	mux.HandleFunc("GET "+PathCameras, h.handleCameras)
	mux.HandleFunc("GET "+PathJournal, h.handleJournal)
	return mux
}

func (h *Handler) handleCamera(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.AllowRequest(r) {
		h.metrics.Admissions.WithLabelValues("rate_limited").Inc()
		h.logger.Warn("producer connection rate limited", zap.String("remote", r.RemoteAddr))
		http.Error(w, ErrRateLimited, http.StatusTooManyRequests)
		return
	}

	ws, err := h.producerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade producer connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := transport.New(ws, h.opts.Transport)
	if err := h.relay.Admit(r.Context(), conn, r.RemoteAddr); err != nil {
		h.logger.Warn("producer refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		if cerr := conn.CloseWith(websocket.CloseTryAgainLater, err.Error()); cerr != nil {
			h.logger.Debug("close refused producer", zap.Error(cerr))
		}
	}
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ws, err := h.subscriberUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade subscriber connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	h.subscribers.Serve(ws, r.RemoteAddr)
}

type healthResponse struct {
	Status      string `json:"status"`
	Producers   int    `json:"producers"`
	Subscribers int    `json:"subscribers"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	infos, err := h.relay.Slots(ctx)
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:      "unavailable",
			Subscribers: h.subscribers.Count(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Producers:   len(infos),
		Subscribers: h.subscribers.Count(),
	})
}

func (h *Handler) handleCameras(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	infos, err := h.relay.Slots(ctx)
	if err != nil {
		h.logger.Warn("failed to list slots", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, relay.ErrStopped) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, ErrRelayUnavailable, status)
		return
	}
	h.writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	if h.opts.Journal == nil {
		http.Error(w, ErrNoJournal, http.StatusNotFound)
		return
	}

	statuses, err := h.opts.Journal.GetStatuses(r.Context(), []model.CameraID{model.Camera1, model.Camera2})
	if err != nil {
		h.logger.Error("failed to read status journal", zap.Error(err))
		http.Error(w, "failed to read status journal", http.StatusBadGateway)
		return
	}
	h.writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

func checkOrigin(r *http.Request) bool {
	return true
}

// NewHTTPServer returns an http.Server for handler. Websocket upgrades clear the
// connection deadlines these timeouts set.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
