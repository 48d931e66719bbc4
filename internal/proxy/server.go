// Package proxy is the local HTTP surface of agtools: it accepts
// OpenAI and Anthropic protocol requests, routes them through the
// model mapping tables, and dispatches them to the Antigravity
// backend over a pool of Google accounts.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"agtools/internal/antigravity"
	"agtools/internal/config"
	"agtools/internal/monitor"
	"agtools/internal/proxy/routing"
)

var (
	ErrAlreadyRunning = errors.New("proxy server is already running")
	ErrNotRunning     = errors.New("proxy server is not running")
)

// shutdownTimeout bounds how long Stop waits for in-flight requests.
const shutdownTimeout = 5 * time.Second

// Status is a point-in-time snapshot of the server.
type Status struct {
	Running        bool   `json:"running"`
	Port           int    `json:"port"`
	BaseURL        string `json:"base_url"`
	ActiveAccounts int    `json:"active_accounts"`
}

// Server owns the proxy lifecycle: account pool, route resolver,
// dispatcher, request monitor, and the gin surface in front of them.
type Server struct {
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config
	zai   *zaiClient

	mu       sync.Mutex
	running  bool
	listener net.Listener
	httpSrv  *http.Server

	resolver   *routing.Resolver
	accounts   *antigravity.AccountManager
	dispatcher *Dispatcher
	monitor    *monitor.Monitor
	store      monitor.Store
}

// NewServer builds an unstarted server around the given config.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// currentZAI returns the z.ai client matching the live config.
func (s *Server) currentZAI() *zaiClient {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.zai
}

// Start brings the proxy up: data dir, accounts, monitor, upstream
// client, listener. The bound config is persisted back so the running
// port survives restarts.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	cfg := s.config()

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	accountsPath, err := antigravity.DefaultAccountsPath()
	if err != nil {
		return err
	}
	accounts, err := antigravity.NewAccountManager(accountsPath, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	if accounts.Count() == 0 && !cfg.Proxy.ZAIActive() {
		return fmt.Errorf("no accounts configured: run \"agt account add\" or enable z.ai dispatch")
	}

	store, err := monitor.NewStore("")
	if err != nil {
		return fmt.Errorf("failed to open monitor store: %w", err)
	}

	client, err := newUpstreamClient(cfg.Proxy.UpstreamProxy)
	if err != nil {
		store.Close()
		return err
	}

	tables, err := cfg.LoadTables(dir)
	if err != nil {
		s.logger.Warn("failed to load routing overlay, using config tables", zap.Error(err))
		tables = cfg.Proxy.Tables()
	}

	s.accounts = accounts
	s.store = store
	s.monitor = monitor.New(store, cfg.Proxy.EnableLogging, s.logger)
	s.resolver = routing.NewResolver(tables, s.logger)
	s.dispatcher = newDispatcher(accounts, client, s.logger)

	s.cfgMu.Lock()
	s.zai = newZAIClient(cfg.Proxy.ZAI, client, s.logger)
	s.cfgMu.Unlock()

	addr := fmt.Sprintf("%s:%d", cfg.Proxy.BindAddress(), cfg.Proxy.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = listener
	if tcp, ok := listener.Addr().(*net.TCPAddr); ok {
		cfg.Proxy.Port = tcp.Port
	}
	s.httpSrv = &http.Server{Handler: s.buildRouter()}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("proxy server stopped unexpectedly", zap.Error(err))
		}
	}()

	if path, err := config.Path(); err == nil {
		if err := cfg.Save(path); err != nil {
			s.logger.Warn("failed to persist config", zap.Error(err))
		}
	}

	s.running = true
	s.logger.Info("proxy server started",
		zap.String("addr", listener.Addr().String()),
		zap.Int("accounts", accounts.Count()),
		zap.String("scheduling", cfg.Proxy.SchedulingMode()),
		zap.String("zai_dispatch", cfg.Proxy.ZAIDispatch()))
	return nil
}

// Stop drains in-flight requests and releases the listener and the
// monitor store.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)

	if s.store != nil {
		if closeErr := s.store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	s.running = false
	s.logger.Info("proxy server stopped")
	return err
}

// Status reports whether the server is up, and on which port.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running}
	if s.accounts != nil {
		st.ActiveAccounts = s.accounts.Count()
	}
	if s.running && s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			st.Port = addr.Port
			st.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", addr.Port)
		}
	}
	return st
}

// ApplyConfig installs a reloaded config and routing tables without a
// restart. The listener keeps its port; a port change needs a restart.
func (s *Server) ApplyConfig(cfg *config.Config, tables routing.Tables) {
	s.cfgMu.Lock()
	s.cfg = cfg
	if s.zai != nil {
		s.zai = newZAIClient(cfg.Proxy.ZAI, s.zai.httpClient, s.logger)
	}
	s.cfgMu.Unlock()

	s.mu.Lock()
	if s.resolver != nil {
		s.resolver.Swap(tables)
	}
	if s.monitor != nil {
		s.monitor.SetEnabled(cfg.Proxy.EnableLogging)
	}
	s.mu.Unlock()

	s.logger.Info("config reloaded",
		zap.String("scheduling", cfg.Proxy.SchedulingMode()),
		zap.String("zai_dispatch", cfg.Proxy.ZAIDispatch()),
		zap.Bool("logging", cfg.Proxy.EnableLogging))
}
