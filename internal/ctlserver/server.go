package ctlserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatekeeper-io/gatekeeper/internal/brand"
	"github.com/gatekeeper-io/gatekeeper/internal/clock"
	"github.com/gatekeeper-io/gatekeeper/internal/config"
	"github.com/gatekeeper-io/gatekeeper/internal/driver"
	"github.com/gatekeeper-io/gatekeeper/internal/gatekeeper"
	"github.com/gatekeeper-io/gatekeeper/internal/logging"
	"github.com/gatekeeper-io/gatekeeper/internal/services"
)

// Server owns the gatekeeper's TCP listener and the AbuseGuard shared by
// every connection it accepts.
type Server struct {
	driver driver.Driver
	logger *logging.Logger
	clk    clock.Clock

	mu          sync.Mutex
	listener    net.Listener
	cfg         gatekeeper.Config
	address     string
	abuseGuard  *gatekeeper.AbuseGuard
	wg          sync.WaitGroup
	lastErr     error
	startedAt   time.Time
	activeConns int64
}

// NewServer returns a Server bound to driver, not yet listening.
func NewServer(drv driver.Driver, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		driver: drv,
		logger: logger.WithComponent("ctlserver"),
		clk:    &clock.RealClock{},
	}
}

// Name identifies this service to internal/services.
func (s *Server) Name() string { return "ctlserver" }

func gatekeeperConfig(cfg *config.Config) gatekeeper.Config {
	return gatekeeper.Config{
		Secure:          cfg.Secure,
		AccessKey:       []byte(cfg.AccessKey),
		ListenPort:      cfg.ListenPort,
		AllowedPorts:    cfg.AllowedPorts,
		AllowAllPorts:   cfg.AllowAllPorts,
		Sudo:            cfg.Sudo,
		LoginErrorLimit: cfg.LoginErrorLimit,
		Version:         brand.Version,
	}
}

// Reload applies cfg. A change to the listen address or port requires a
// fresh listener, so those trigger a stop/start cycle; the access key and
// port policy take effect on the next connection without disturbing ones
// already in flight. The abuse guard's thresholds (login-error limit and
// blocking time) are fixed by the first Reload, which creates the guard;
// later Reloads do not change them.
func (s *Server) Reload(cfg *config.Config) (bool, error) {
	s.mu.Lock()
	newAddr := fmt.Sprintf("%s:%d", cfg.Address, cfg.ListenPort)
	needsRestart := s.listener != nil && newAddr != s.address
	s.cfg = gatekeeperConfig(cfg)
	s.address = newAddr
	if s.abuseGuard == nil {
		s.abuseGuard = gatekeeper.NewAbuseGuard(s.clk, cfg.LoginErrorLimit, cfg.BlockingTime)
	}
	s.mu.Unlock()

	if !needsRestart {
		return false, nil
	}

	ctx := context.Background()
	if err := s.Stop(ctx); err != nil {
		return false, fmt.Errorf("ctlserver: reload stop: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		return false, fmt.Errorf("ctlserver: reload start: %w", err)
	}
	return true, nil
}

// Start resolves the firewall driver and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.driver.Resolve(ctx); err != nil {
		return fmt.Errorf("ctlserver: driver not usable: %w", err)
	}

	s.mu.Lock()
	if s.address == "" {
		s.mu.Unlock()
		return errors.New("ctlserver: Reload must be called before Start")
	}
	if s.abuseGuard == nil {
		s.abuseGuard = gatekeeper.NewAbuseGuard(s.clk, s.cfg.LoginErrorLimit, 0)
	}
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ctlserver: listen on %s: %w", s.address, err)
	}
	s.listener = listener
	s.startedAt = s.clk.Now()
	s.mu.Unlock()

	s.logger.Info("ctlserver listening", "address", s.address)
	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("ctlserver accept error", "err", err)
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) status() gatekeeper.StatusInfo {
	s.mu.Lock()
	started := s.startedAt
	guard := s.abuseGuard
	s.mu.Unlock()

	info := gatekeeper.StatusInfo{
		ActiveConnections: int(atomic.LoadInt64(&s.activeConns)),
	}
	if !started.IsZero() {
		info.Uptime = s.clk.Now().Sub(started)
	}
	if guard != nil {
		info.BlockedAddresses = guard.BlockedAddressCount()
	}
	return info
}

func (s *Server) handleConn(conn net.Conn) {
	atomic.AddInt64(&s.activeConns, 1)
	defer atomic.AddInt64(&s.activeConns, -1)
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ctlserver connection handler panicked", "remote", conn.RemoteAddr(), "panic", r)
			conn.Close()
		}
	}()

	remoteAddr := conn.RemoteAddr().String()
	host, _, splitErr := net.SplitHostPort(remoteAddr)
	if splitErr == nil {
		remoteAddr = host
	}

	s.mu.Lock()
	guard := s.abuseGuard
	cfg := s.cfg
	s.mu.Unlock()

	if guard != nil && guard.IsBlocked(remoteAddr) {
		conn.Close()
		return
	}

	c := gatekeeper.NewConn(conn, gatekeeper.Deps{
		Driver:     s.driver,
		AbuseGuard: guard,
		Clock:      s.clk,
		Logger:     s.logger.WithComponent("conn").Logger,
		Config:     cfg,
		StatusFn:   s.status,
	})

	if err := c.Serve(); err != nil {
		s.logger.Debug("ctlserver connection closed", "remote", remoteAddr, "err", err)
	}
}

// Stop closes the listener and waits for in-flight handlers to return, or
// for ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener == nil {
		return nil
	}
	if err := listener.Close(); err != nil {
		return fmt.Errorf("ctlserver: close listener: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the listener's bound address, or nil if not listening. Used
// by callers that started the server on port 0 and need the assigned port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Status reports whether the listener is currently active.
func (s *Server) Status() services.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := services.ServiceStatus{
		Name:    s.Name(),
		Running: s.listener != nil,
	}
	if s.lastErr != nil {
		status.Error = s.lastErr.Error()
	}
	return status
}

var _ services.Service = (*Server)(nil)
