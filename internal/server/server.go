// Package server sets up the HTTP server with all routes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/workdrop/escrowd/internal/chain"
	"github.com/workdrop/escrowd/internal/config"
	"github.com/workdrop/escrowd/internal/escrow"
	"github.com/workdrop/escrowd/internal/health"
	"github.com/workdrop/escrowd/internal/logging"
	"github.com/workdrop/escrowd/internal/metrics"
	"github.com/workdrop/escrowd/internal/notify"
	"github.com/workdrop/escrowd/internal/params"
	"github.com/workdrop/escrowd/internal/reconciler"
)

// Server wraps the HTTP server and the escrow orchestration components.
type Server struct {
	cfg        *config.Config
	session    *chain.Session
	store      *escrow.Store
	gateway    *escrow.Gateway
	reconciler *reconciler.Reconciler
	hub        *notify.Hub
	healthReg  *health.Registry
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	sessionSubs []chain.Subscription
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSession sets a custom chain session (for testing).
func WithSession(session *chain.Session) Option {
	return func(s *Server) { s.session = session }
}

// New creates a new server instance. The session is constructed from a
// local-key provider unless one was injected.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFmt),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.session == nil {
		provider, err := chain.NewLocalKeyProvider(chain.LocalKeyConfig{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
		})
		if err != nil {
			return nil, err
		}

		s.session, err = chain.NewSession(provider, cfg.ChainID, chain.AddChainParams{
			ChainID:   big.NewInt(cfg.ChainID),
			ChainName: cfg.NetworkName,
			RPCURLs:   []string{cfg.RPCURL},
			NativeCurrency: chain.NativeCurrency{
				Name:     cfg.NativeSymbol,
				Symbol:   cfg.NativeSymbol,
				Decimals: cfg.NativeDecimals,
			},
			BlockExplorerURLs: []string{cfg.ExplorerURL},
		}, chain.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
	}

	s.store = escrow.NewStore()
	s.hub = notify.NewHub(s.logger)

	contract := common.HexToAddress(cfg.EscrowContract)

	var err error
	s.gateway, err = escrow.NewGateway(s.session, contract, s.store,
		escrow.WithGatewayLogger(s.logger),
		escrow.WithConfirmTimeout(cfg.ConfirmTimeout),
		escrow.WithPollInterval(cfg.ConfirmPoll),
		escrow.WithDefaultGasLimit(cfg.DefaultGasLimit),
		escrow.WithDecimals(cfg.NativeDecimals),
	)
	if err != nil {
		return nil, err
	}

	recCfg := reconciler.DefaultConfig(contract)
	recCfg.PollInterval = cfg.ReconcilePoll
	recCfg.Decimals = cfg.NativeDecimals
	s.reconciler, err = reconciler.New(s.session, recCfg, s.store, s.hub, s.logger)
	if err != nil {
		return nil, err
	}

	// The store is a per-account cache: discard it whenever the wallet
	// loses or switches its account.
	s.sessionSubs = append(s.sessionSubs,
		s.session.OnDisconnect(s.store.Reset),
		s.session.OnAccountSwitch(func(common.Address) { s.store.Reset() }),
	)

	s.healthReg = health.NewRegistry()
	s.healthReg.Register("session", func(ctx context.Context) health.Status {
		st := health.Status{Name: "session", Healthy: s.session.Connected()}
		if !st.Healthy {
			st.Detail = "wallet session disconnected"
		}
		return st
	})
	s.healthReg.Register("reconciler", func(ctx context.Context) health.Status {
		st := health.Status{Name: "reconciler", Healthy: s.reconciler.Healthy()}
		if !st.Healthy {
			st.Detail = "event poll loop stopped"
		}
		return st
	})

	s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	validator := params.NewValidator()
	validator.Decimals = s.cfg.NativeDecimals
	validator.LargeAmountWarn = s.cfg.LargeAmountWarn

	v1 := router.Group("/v1")
	escrow.NewHandler(s.gateway, validator, s.store).RegisterRoutes(v1)
	v1.GET("/session", s.handleSession)

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", metrics.Handler())
	router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	s.router = router
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session": s.session.Diagnostics()})
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "subsystems": statuses})
}

// Run connects the session, starts the reconciler, and serves HTTP
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.session.Connect(ctx); err != nil {
		return err
	}
	if err := s.session.EnsureCorrectNetwork(ctx); err != nil {
		return err
	}
	if err := s.reconciler.Start(ctx); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.reconciler.Close()
	s.hub.Close(shutdownCtx)
	for _, sub := range s.sessionSubs {
		sub.Unsubscribe()
	}
	s.session.Close()
	return s.httpSrv.Shutdown(shutdownCtx)
}
