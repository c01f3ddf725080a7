package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edriveapp/dispatch/internal/auth"
	"github.com/edriveapp/dispatch/internal/chat"
	"github.com/edriveapp/dispatch/internal/config"
	"github.com/edriveapp/dispatch/internal/dispatch"
	"github.com/edriveapp/dispatch/internal/fare"
	"github.com/edriveapp/dispatch/internal/geo"
	"github.com/edriveapp/dispatch/internal/ingest"
	"github.com/edriveapp/dispatch/internal/notify"
	"github.com/edriveapp/dispatch/internal/payments"
	"github.com/edriveapp/dispatch/internal/realtime"
	"github.com/edriveapp/dispatch/internal/routing"
	"github.com/edriveapp/dispatch/internal/storage"
)

// Server is the composition root for the API process: it owns the geo
// index, stores, coordinator, chat service, and session registry, and
// exposes them over REST and WebSocket.
type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	verifier auth.Verifier

	geo         geo.Index
	rides       storage.RideStore
	messages    storage.MessageStore
	coordinator *dispatch.Coordinator
	chat        *chat.Service
	registry    *realtime.Registry
	kafka       *ingest.KafkaProducer

	mux *mux.Router
}

// NewServer wires the engine from config. Redis and Postgres are used
// when configured and fall back to in-memory implementations otherwise,
// so a bare `go run` still serves a working engine.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var idx geo.Index
	if cfg.RedisAddr != "" {
		idx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.LocationFreshness)
	} else {
		idx = geo.NewMemoryIndex(cfg.LocationFreshness)
	}

	var rides storage.RideStore
	var messages storage.MessageStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		rides, messages = ps, ps
	} else {
		ms := storage.NewMemoryStore()
		rides, messages = ms, ms
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	router, err := buildRouter(cfg)
	if err != nil {
		return nil, err
	}

	registry := realtime.NewRegistry(logger)

	opts := []dispatch.Option{dispatch.WithRadiusKm(cfg.DispatchRadiusKm)}
	if cfg.SearchTimeout > 0 {
		opts = append(opts, dispatch.WithSearchTimeout(cfg.SearchTimeout))
	}
	if cfg.StripeAPIKey != "" {
		opts = append(opts, dispatch.WithPayments(payments.NewStripeProvider(cfg.StripeAPIKey)))
	}
	if cfg.PushEndpoint != "" {
		opts = append(opts, dispatch.WithPusher(notify.NewHTTPPusher(cfg.PushEndpoint, cfg.PushKey)))
	}
	coordinator := dispatch.NewCoordinator(idx, rides, registry, router, fare.NewTableCalculator(), logger, opts...)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		verifier:    auth.NewStaticVerifier(),
		geo:         idx,
		rides:       rides,
		messages:    messages,
		coordinator: coordinator,
		chat:        chat.NewService(rides, messages, registry),
		registry:    registry,
		kafka:       kp,
		mux:         mux.NewRouter(),
	}
	s.routes()
	return s, nil
}

// buildRouter picks the route provider: Google Maps when a key is set,
// then OSRM, then the haversine estimator. All are wrapped in a TTL
// cache since origin/destination pairs repeat heavily during dispatch.
func buildRouter(cfg config.ServerConfig) (routing.Client, error) {
	var client routing.Client
	switch {
	case cfg.GoogleMapsAPIKey != "":
		gc, err := routing.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		client = gc
	case cfg.OSRMEndpoint != "":
		client = routing.NewOSRMClient(cfg.OSRMEndpoint)
	default:
		client = routing.Estimator{SpeedMps: cfg.DefaultSpeedMps}
	}
	return routing.NewCache(client, 30*time.Second), nil
}

func (s *Server) routes() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides/request", s.handleRideRequest).Methods("POST")
	api.HandleFunc("/rides/active", s.handleListActive).Methods("GET")
	api.HandleFunc("/rides/history", s.handleListHistory).Methods("GET")
	api.HandleFunc("/rides/available", s.handleListAvailable).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/status", s.handleUpdateStatus).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/rematch", s.handleRematch).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/messages", s.handleSendMessage).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
