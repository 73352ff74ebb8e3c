// Package webui serves the health-check surface: a static status page at "/"
// and a JSON health report at "/healthz".
package webui

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
)

//go:embed static
var staticFS embed.FS

// Config holds web UI configuration.
type Config struct {
	// Enabled turns the web UI on/off.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":8090").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token required for /healthz (empty = no auth).
	AuthToken string `yaml:"auth_token"`
}

// StatusAPI is what the server reports on.
type StatusAPI interface {
	// Name is the bot's display name.
	Name() string

	// ChannelHealth returns the health of every connected channel, by name.
	ChannelHealth() map[string]channels.HealthStatus

	// IndexSize returns the number of canonical titles in the title index.
	IndexSize() int
}

// ChannelHealthInfo contains channel health for display.
type ChannelHealthInfo struct {
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	ErrorCount int       `json:"error_count"`
	LastMsgAt  time.Time `json:"last_message_at"`
}

// Health is the /healthz response body.
type Health struct {
	Status        string              `json:"status"`
	Name          string              `json:"name"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	IndexSize     int                 `json:"index_size"`
	Channels      []ChannelHealthInfo `json:"channels"`
}

// Server is the web UI HTTP server.
type Server struct {
	cfg     Config
	api     StatusAPI
	logger  *slog.Logger
	server  *http.Server
	started time.Time
	now     func() time.Time
}

// New creates a new web UI server.
func New(cfg Config, api StatusAPI, logger *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8090"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		api:     api,
		logger:  logger.With("component", "webui"),
		started: time.Now(),
		now:     time.Now,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.authMiddleware(s.handleHealth))

	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		s.logger.Warn("static assets not found, serving API only", "error", err)
	} else {
		mux.Handle("/", http.FileServer(http.FS(sub)))
	}
	return mux
}

// Start begins serving in the background.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("web UI starting", "address", s.cfg.Address)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web UI server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("web UI shutdown failed", "error", err)
	}
	s.logger.Info("web UI stopped")
}

// Report builds the current health report. Status is "degraded" when any
// channel is disconnected.
func (s *Server) Report() Health {
	h := Health{
		Status:        "ok",
		UptimeSeconds: int64(s.now().Sub(s.started).Seconds()),
		Channels:      []ChannelHealthInfo{},
	}
	if s.api == nil {
		return h
	}
	h.Name = s.api.Name()
	h.IndexSize = s.api.IndexSize()

	for name, st := range s.api.ChannelHealth() {
		h.Channels = append(h.Channels, ChannelHealthInfo{
			Name:       name,
			Connected:  st.Connected,
			ErrorCount: st.ErrorCount,
			LastMsgAt:  st.LastMessageAt,
		})
		if !st.Connected {
			h.Status = "degraded"
		}
	}
	sort.Slice(h.Channels, func(i, j int) bool { return h.Channels[i].Name < h.Channels[j].Name })
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	h := s.Report()
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// ---------- Middleware ----------

// authMiddleware validates the bearer token if configured.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !compareTokens(token, s.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// compareTokens compares in constant time regardless of length.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
