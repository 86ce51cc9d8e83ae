package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"dtv-relay/work/config"
	"dtv-relay/work/logger"
	"dtv-relay/work/metrics"
	"dtv-relay/work/proxy"
)

// Role distinguishes the two relay flavours.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStatic  Role = "static"
)

// ErrNoStreamTarget is returned by StartPrimary when nothing has been set to relay.
var ErrNoStreamTarget = proxy.ErrNoStreamTarget

// BindError reports that a relay could not take its port.
type BindError struct {
	Role Role
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s relay on %s: %v", e.Role, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// RelayHandle is the capability to stop one running relay instance.
type RelayHandle interface {
	// Shutdown stops the instance. graceful waits for in-flight responses (bounded
	// by ctx); otherwise listeners and connections are closed immediately.
	Shutdown(ctx context.Context, graceful bool) error
}

// HandlerFactory builds the handler for a new relay instance. The returned
// cleanup runs once the instance has shut down.
type HandlerFactory func() (handler http.Handler, cleanup func())

type httpHandle struct {
	role    Role
	addr    string
	srv     *http.Server
	done    chan struct{}
	cleanup func()
	once    sync.Once
}

func (h *httpHandle) Shutdown(ctx context.Context, graceful bool) error {
	var err error
	if graceful {
		err = h.srv.Shutdown(ctx)
	} else {
		err = h.srv.Close()
	}

	h.once.Do(func() {
		if h.cleanup != nil {
			h.cleanup()
		}
		logger.Info("{server/server - Shutdown} %s relay on %s stopped (graceful=%v)", h.role, h.addr, graceful)
	})
	return err
}

// Manager owns relay server instances: one superseding primary relay and any
// number of idempotently started static relays.
type Manager struct {
	cfg        *config.Config
	target     *proxy.StreamTarget
	newHandler HandlerFactory
	probeDial  time.Duration

	mu      sync.Mutex
	primary RelayHandle
	statics []RelayHandle
}

func NewManager(cfg *config.Config, target *proxy.StreamTarget, factory HandlerFactory) *Manager {
	return &Manager{
		cfg:        cfg,
		target:     target,
		newHandler: factory,
		probeDial:  500 * time.Millisecond,
	}
}

func (m *Manager) addr(port int) string {
	return net.JoinHostPort(m.cfg.BindHost, strconv.Itoa(port))
}

// PrimaryURL is the media URL the player uses while the primary relay runs.
func (m *Manager) PrimaryURL() string {
	return "http://" + m.addr(m.cfg.PrimaryPort) + "/live.flv"
}

// StaticURL is the base URL of the static relay.
func (m *Manager) StaticURL() string {
	return "http://" + m.addr(m.cfg.StaticPort)
}

// PrimaryRunning reports whether a primary relay handle is held.
func (m *Manager) PrimaryRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary != nil
}

func (m *Manager) takePrimary() RelayHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.primary
	m.primary = nil
	return h
}

// StartPrimary replaces any running primary relay with a fresh one and returns
// the loopback media URL. The previous instance is shut down immediately, before
// the port is bound again.
func (m *Manager) StartPrimary(ctx context.Context) (string, error) {
	if m.target.Get() == "" {
		return "", ErrNoStreamTarget
	}

	if old := m.takePrimary(); old != nil {
		logger.Info("{server/server - StartPrimary} superseding running primary relay")
		if err := old.Shutdown(ctx, false); err != nil {
			logger.Warn("{server/server - StartPrimary} shutting down previous primary relay: %v", err)
		}
	}

	addr := m.addr(m.cfg.PrimaryPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", &BindError{Role: RolePrimary, Addr: addr, Err: err}
	}

	h := m.serve(RolePrimary, ln)

	m.mu.Lock()
	displaced := m.primary
	m.primary = h
	m.mu.Unlock()

	// a concurrent StartPrimary may have filled the slot in the meantime
	if displaced != nil {
		_ = displaced.Shutdown(ctx, false)
	}

	url := m.PrimaryURL()
	logger.Info("{server/server - StartPrimary} primary relay listening at %s", url)
	return url, nil
}

// StopPrimary shuts down the primary relay if one is running.
func (m *Manager) StopPrimary(ctx context.Context) error {
	h := m.takePrimary()
	if h == nil {
		logger.Debug("{server/server - StopPrimary} no primary relay running")
		return nil
	}
	return h.Shutdown(ctx, false)
}

// StartStatic makes sure something is serving on the static port and returns its
// base URL. If the port already answers, nothing is started; if binding fails
// because the port is taken, that is treated as success too.
func (m *Manager) StartStatic(ctx context.Context) (string, error) {
	addr := m.addr(m.cfg.StaticPort)
	url := m.StaticURL()

	dialer := net.Dialer{Timeout: m.probeDial}
	if conn, err := dialer.DialContext(ctx, "tcp", addr); err == nil {
		conn.Close()
		logger.Debug("{server/server - StartStatic} static relay already answering at %s", url)
		return url, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			logger.Debug("{server/server - StartStatic} static port %s already in use, assuming relay", addr)
			return url, nil
		}
		return "", &BindError{Role: RoleStatic, Addr: addr, Err: err}
	}

	h := m.serve(RoleStatic, ln)
	m.mu.Lock()
	m.statics = append(m.statics, h)
	m.mu.Unlock()

	logger.Info("{server/server - StartStatic} static relay listening at %s", url)
	return url, nil
}

// Close stops every relay instance this manager started.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	handles := m.statics
	m.statics = nil
	if m.primary != nil {
		handles = append(handles, m.primary)
		m.primary = nil
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Shutdown(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) serve(role Role, ln net.Listener) *httpHandle {
	handler, cleanup := m.newHandler()

	h := &httpHandle{
		role: role,
		addr: ln.Addr().String(),
		srv: &http.Server{
			Handler:           handler,
			IdleTimeout:       m.cfg.ServerKeepAlive,
			ReadHeaderTimeout: 10 * time.Second,
		},
		done:    make(chan struct{}),
		cleanup: cleanup,
	}

	go func() {
		defer close(h.done)
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{server/server - serve} %s relay on %s stopped: %v", role, h.addr, err)
		}
	}()

	metrics.RelayStarts.WithLabelValues(string(role)).Inc()
	return h
}
