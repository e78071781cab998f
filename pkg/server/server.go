// Package server wires the relay engine to its transports and collaborators
// and owns process lifecycle.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/auth"
	"github.com/SecondBrainUS/AssistantWebserver/pkg/config"
	"github.com/SecondBrainUS/AssistantWebserver/pkg/persistence/chatstore"
	"github.com/SecondBrainUS/AssistantWebserver/pkg/redisstream"
	"github.com/SecondBrainUS/AssistantWebserver/pkg/relay"
)

type Server struct {
	cfg    *config.Config
	store  chatstore.Store
	pubsub *redisstream.PubSub
	rooms  *relay.RoomManager
	conns  *relay.ConnectionRegistry
	http   *http.Server
	logger zerolog.Logger
}

// New assembles the full relay stack from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger := log.With().Str("component", "server").Logger()

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	pubsub, err := redisstream.BuildPubSub(redisstream.Settings{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.Redis.Addr,
		Group:    cfg.Redis.Group,
		Consumer: cfg.Redis.Consumer,
	}, log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "building event transport")
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return nil, err
	}

	tools := toolDefinitions(cfg)
	adapters := relay.NewAdapterRegistry()
	adapters.Register(relay.BackendRealtime, relay.NewRealtimeAdapterFactory(relay.RealtimeAdapterConfig{
		APIKey:      cfg.Backends.OpenAIRealtime.APIKey,
		EndpointURL: cfg.Backends.OpenAIRealtime.EndpointURL,
		Tools:       tools,
		CallTimeout: cfg.FunctionCallTimeout(),
	}))
	adapters.Register(relay.BackendSuite, relay.NewSuiteAdapterFactory(relay.SuiteAdapterConfig{
		Providers:    suiteProviders(cfg),
		Tools:        tools,
		MaxToolTurns: cfg.Rooms.MaxToolTurns,
		CallTimeout:  cfg.FunctionCallTimeout(),
	}))

	rooms := relay.NewRoomManager(adapters, store, pubsub.Publisher, pubsub.Subscriber, relay.RoomManagerOptions{
		IdleTimeout:         cfg.IdleTimeout(),
		EvictInterval:       cfg.EvictInterval(),
		FunctionCallTimeout: cfg.FunctionCallTimeout(),
	})
	conns := relay.NewConnectionRegistry()
	dispatcher := relay.NewDispatcher(conns, rooms)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.NewWSHandler(dispatcher, verifier, relay.WSHandlerOptions{
		Upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}))

	srv := &Server{
		cfg:    cfg,
		store:  store,
		pubsub: pubsub,
		rooms:  rooms,
		conns:  conns,
		http:   &http.Server{Addr: cfg.Server.Addr, Handler: mux},
		logger: logger,
	}
	mux.HandleFunc("/health", srv.handleHealth)
	return srv, nil
}

func openStore(cfg *config.Config) (chatstore.Store, error) {
	if cfg.Database.Path == "" {
		return chatstore.NewMemoryStore(), nil
	}
	store, err := chatstore.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, errors.Wrap(err, "opening chat store")
	}
	return store, nil
}

func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, errors.Wrap(err, "building jwt verifier")
		}
		return v, nil
	}
	if len(cfg.Auth.StaticTokens) > 0 {
		return auth.NewStaticVerifier(cfg.Auth.StaticTokens), nil
	}
	return nil, errors.New("no auth configured: set auth.jwt_secret or auth.static_tokens")
}

func suiteProviders(cfg *config.Config) map[string]relay.ProviderCredentials {
	out := make(map[string]relay.ProviderCredentials, len(cfg.Backends.Suite))
	for name, p := range cfg.Backends.Suite {
		out[name] = relay.ProviderCredentials{APIKey: p.APIKey, BaseURL: p.BaseURL}
	}
	return out
}

func toolDefinitions(cfg *config.Config) []relay.ToolDefinition {
	out := make([]relay.ToolDefinition, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		out = append(out, relay.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"rooms":       s.rooms.RoomCount(),
		"connections": s.conns.Count(),
	})
}

// Run starts the HTTP listener and the room eviction loop and blocks until
// ctx is cancelled, then shuts everything down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.rooms.Start(srvCtx)

	eg := errgroup.Group{}
	eg.Go(func() error {
		s.logger.Info().Str("addr", s.http.Addr).Msg("starting assistant server")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-srvCtx.Done()
		s.logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown error")
		}
		if err := s.pubsub.Close(); err != nil {
			s.logger.Error().Err(err).Msg("event transport close error")
		}
		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("chat store close error")
		}
		return nil
	})
	return eg.Wait()
}
