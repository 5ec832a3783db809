// Package server assembles the relay HTTP surface: the websocket socket
// endpoint, the diagnostics endpoints, and the metrics scrape endpoint,
// behind the shared middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/voxbridge/voxbridge/pkg/relay"
	"github.com/voxbridge/voxbridge/pkg/relay/config"
	"github.com/voxbridge/voxbridge/pkg/relay/handlers"
	"github.com/voxbridge/voxbridge/pkg/relay/metrics"
	"github.com/voxbridge/voxbridge/pkg/relay/mw"
)

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	relay   *relay.Relay
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

func New(cfg config.Config, rl *relay.Relay, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		relay:   rl,
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/channels", handlers.ChannelsHandler{Registry: s.relay.Registry()})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/socket", handlers.SocketHandler{
		Relay:            s.relay,
		Logger:           s.logger,
		WriteTimeout:     s.cfg.WSWriteTimeout,
		ReadLimitBytes:   s.cfg.WSReadLimitBytes,
		HandshakeTimeout: s.cfg.WSHandshakeTimeout,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
