package api

import (
	"context"
	"crypto/rsa"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/IDSIA/Ferdelance/pkg/config"
	"github.com/IDSIA/Ferdelance/pkg/events"
	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/metrics"
	"github.com/IDSIA/Ferdelance/pkg/planner"
	"github.com/IDSIA/Ferdelance/pkg/results"
	"github.com/IDSIA/Ferdelance/pkg/scheduler"
	"github.com/IDSIA/Ferdelance/pkg/session"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Server is the coordinator's HTTP surface. Two framings exist: the
// bootstrap routes under /node/key and /node/join, and the signed
// framing everything authenticated goes through.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	key       *rsa.PrivateKey
	transfer  string // transfer-encoded server public key
	session   *session.Service
	planner   *planner.Planner
	scheduler *scheduler.Scheduler
	results   *results.Store
	broker    *events.Broker

	httpServer *http.Server
}

// NewServer wires the coordinator services behind a router.
func NewServer(
	cfg *config.Config,
	store storage.Store,
	key *rsa.PrivateKey,
	sess *session.Service,
	plan *planner.Planner,
	sched *scheduler.Scheduler,
	res *results.Store,
	broker *events.Broker,
) (*Server, error) {
	transfer, err := exchange.PublicKeyToTransfer(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		key:       key,
		transfer:  transfer,
		session:   sess,
		planner:   plan,
		scheduler: sched,
		results:   res,
		broker:    broker,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Node.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/node", func(r chi.Router) {
		r.Get("/key", s.handleServerKey)
		r.Post("/join", s.handleJoin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticated(types.ComponentClient, types.ComponentNode))
			r.Post("/leave", s.handleLeave)
			r.Post("/metadata", s.handleMetadata)
		})
	})

	// The heartbeat is the only dispatch channel, so every component
	// kind that executes jobs polls here.
	r.Route("/client", func(r chi.Router) {
		r.Use(s.heartbeatAuthenticated(types.ComponentClient, types.ComponentNode, types.ComponentWorker))
		r.Get("/update", s.handleClientUpdate)
	})

	// Any component executing jobs acts as a worker here: dedicated
	// WORKER processes, aggregating NODEs and CLIENTs running their
	// partial steps.
	r.Route("/worker", func(r chi.Router) {
		r.Use(s.authenticated(types.ComponentWorker, types.ComponentNode, types.ComponentClient))
		r.Get("/task/{job_id}", s.handleWorkerTask)
		r.Post("/result/{job_id}", s.handleWorkerResultUpload)
		r.Get("/result/{result_id}", s.handleWorkerResultDownload)
		r.Post("/error", s.handleWorkerError)
		r.Post("/metrics", s.handleWorkerMetrics)
	})

	r.Route("/workbench", func(r chi.Router) {
		r.Use(s.authenticated(types.ComponentUser))
		r.Post("/artifact/submit", s.handleArtifactSubmit)
		r.Get("/artifact/status/{artifact_id}", s.handleArtifactStatus)
		r.Get("/result/{result_id}", s.handleWorkbenchResult)
		r.Get("/result/partial/{artifact_id}/{builder_id}/{iteration}", s.handleWorkbenchPartialResult)
	})

	return r
}

// Start blocks serving HTTP until Shutdown or failure.
func (s *Server) Start() error {
	log.WithComponent("api").Info().
		Str("addr", s.cfg.Node.ListenAddr).
		Msg("http server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
