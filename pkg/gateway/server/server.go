// Package server wires the HTTP routes and middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/evara-health/voicegate/pkg/convo"
	"github.com/evara-health/voicegate/pkg/dispatch"
	"github.com/evara-health/voicegate/pkg/gateway/config"
	"github.com/evara-health/voicegate/pkg/gateway/handlers"
	"github.com/evara-health/voicegate/pkg/gateway/lifecycle"
	"github.com/evara-health/voicegate/pkg/gateway/mw"
	"github.com/evara-health/voicegate/pkg/transfer"
)

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	lifecycle *lifecycle.Lifecycle

	registry  *convo.Registry
	functions *dispatch.Table
	transfers *transfer.Executor
	resolver  transfer.Resolver
}

type Options struct {
	Config    config.Config
	Logger    *slog.Logger
	Registry  *convo.Registry
	Functions *dispatch.Table
	Transfers *transfer.Executor
	Resolver  transfer.Resolver
	Lifecycle *lifecycle.Lifecycle
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Lifecycle == nil {
		opts.Lifecycle = &lifecycle.Lifecycle{}
	}
	s := &Server{
		cfg:       opts.Config,
		logger:    opts.Logger,
		mux:       http.NewServeMux(),
		lifecycle: opts.Lifecycle,
		registry:  opts.Registry,
		functions: opts.Functions,
		transfers: opts.Transfers,
		resolver:  opts.Resolver,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Registry:  s.registry,
	})

	s.mux.Handle("/voice/incoming", handlers.IncomingHandler{
		Config: s.cfg,
		Logger: s.logger,
	})
	s.mux.Handle("/voice/media-stream", s.mediaHandler(convo.ChannelPhone))
	s.mux.Handle("/web/voice", s.mediaHandler(convo.ChannelWeb))
	s.mux.Handle("/voice/transfer/{callSid}", handlers.TransferHandler{Logger: s.logger})
	s.mux.Handle("/voice/status", handlers.StatusHandler{
		Registry: s.registry,
		Logger:   s.logger,
	})

	s.mux.Handle("/sessions/{id}/stats", handlers.StatsHandler{
		Registry: s.registry,
		Logger:   s.logger,
	})
	s.mux.Handle("/sessions/{id}", handlers.EndSessionHandler{
		Registry: s.registry,
		Logger:   s.logger,
	})
}

func (s *Server) mediaHandler(channel convo.Channel) handlers.MediaStreamHandler {
	return handlers.MediaStreamHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Registry:  s.registry,
		Functions: s.functions,
		Transfers: s.transfers,
		Resolver:  s.resolver,
		Lifecycle: s.lifecycle,
		Channel:   channel,
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Lifecycle exposes the drain flag so shutdown can flip readiness before
// closing listeners.
func (s *Server) Lifecycle() *lifecycle.Lifecycle {
	return s.lifecycle
}
