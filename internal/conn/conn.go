// Package conn owns the websocket connection to the GM server: dialing,
// liveness pings, and reconnection with exponential backoff. Reconnection is
// a timer-driven state machine rather than recursive callbacks so the
// attempt count and cap stay auditable.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jddlt/arboris-novel/internal/protocol"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusBackingOff Status = "backing_off"
	StatusExhausted  Status = "exhausted"
)

const (
	defaultBaseDelay    = time.Second
	defaultMaxAttempts  = 5
	defaultPingInterval = 25 * time.Second
)

var (
	ErrNotConnected = errors.New("conn: not connected")
	// ErrExhausted means the backoff schedule ran out; reconnecting takes
	// an explicit Connect call.
	ErrExhausted = errors.New("conn: reconnect attempts exhausted")
)

// Transport is one live connection. The production implementation wraps a
// websocket; tests substitute an in-memory pipe.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens a Transport to the given URL.
type Dialer func(ctx context.Context, url string) (Transport, error)

// Config wires a Manager. OnFrame receives every decoded server frame;
// OnDisconnect fires on every connection loss, deliberate or not, before
// any reconnect attempt is scheduled.
type Config struct {
	URL          string
	Dialer       Dialer
	BaseDelay    time.Duration // backoff base; delay = base << attempt
	MaxAttempts  int
	PingInterval time.Duration // <= 0 disables liveness pings

	OnFrame      func(*protocol.ServerFrame)
	OnStatus     func(Status, error)
	OnDisconnect func()

	Logger *slog.Logger
}

// Manager drives one connection at a time and supervises its lifecycle.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	status    Status
	transport Transport
	attempt   int
	gen       int // bumped on every teardown; stale read loops check it
	readStop  context.CancelFunc
	retry     *time.Timer
}

func NewManager(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = DialWebsocket
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log, status: StatusIdle}
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect dials the server. It is idempotent: a no-op while already
// connected or connecting. Calling it from the exhausted state starts a
// fresh backoff schedule, which is how a manual reconnect works.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case StatusConnected, StatusConnecting:
		m.mu.Unlock()
		return nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.attempt = 0
	m.mu.Unlock()

	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	m.setStatus(StatusConnecting, nil)

	t, err := m.cfg.Dialer(ctx, m.cfg.URL)
	if err != nil {
		m.log.Warn("ws: dial failed", "url", m.cfg.URL, "error", err)
		m.scheduleRetry(err)
		return fmt.Errorf("conn: dial %s: %w", m.cfg.URL, err)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.transport = t
	m.attempt = 0
	readCtx, cancel := context.WithCancel(context.Background())
	m.readStop = cancel
	m.mu.Unlock()

	m.setStatus(StatusConnected, nil)
	m.log.Info("ws: connected", "url", m.cfg.URL)

	go m.readLoop(readCtx, gen, t)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(readCtx, t)
	}
	return nil
}

// Disconnect closes the connection on purpose. No reconnect is scheduled;
// the open confirmation request, if any, is dropped via OnDisconnect just
// like on an abnormal loss.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	m.gen++
	t := m.transport
	m.transport = nil
	if m.readStop != nil {
		m.readStop()
		m.readStop = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.attempt = 0
	m.mu.Unlock()

	if t != nil {
		_ = t.Close(reason)
		if m.cfg.OnDisconnect != nil {
			m.cfg.OnDisconnect()
		}
	}
	m.setStatus(StatusIdle, nil)
	m.log.Info("ws: disconnected", "reason", reason)
}

// Send encodes and writes one client frame.
func (m *Manager) Send(ctx context.Context, f *protocol.ClientFrame) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	return t.Write(ctx, data)
}

func (m *Manager) readLoop(ctx context.Context, gen int, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			m.lost(gen, err)
			return
		}
		f, err := protocol.DecodeServerFrame(data)
		if err != nil {
			// Garbled frames are dropped, never fatal to the session.
			m.log.Warn("ws: dropping undecodable frame", "error", err)
			continue
		}
		if m.cfg.OnFrame != nil {
			m.cfg.OnFrame(f)
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, t Transport) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := protocol.EncodeFrame(protocol.Ping())
			if err != nil {
				return
			}
			if err := t.Write(ctx, data); err != nil {
				// The read loop observes the same failure and owns recovery.
				return
			}
		}
	}
}

// lost handles an abnormal connection loss observed by the read loop.
func (m *Manager) lost(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		// A newer connection or a deliberate disconnect superseded this one.
		m.mu.Unlock()
		return
	}
	m.gen++
	m.transport = nil
	if m.readStop != nil {
		m.readStop()
		m.readStop = nil
	}
	m.mu.Unlock()

	m.log.Warn("ws: connection lost", "error", cause)
	if m.cfg.OnDisconnect != nil {
		m.cfg.OnDisconnect()
	}
	m.scheduleRetry(cause)
}

// scheduleRetry arms the backoff timer for the next attempt, or gives up
// once the cap is reached.
func (m *Manager) scheduleRetry(cause error) {
	m.mu.Lock()
	if m.attempt >= m.cfg.MaxAttempts {
		m.mu.Unlock()
		m.log.Error("ws: giving up after max reconnect attempts", "attempts", m.cfg.MaxAttempts)
		m.setStatus(StatusExhausted, ErrExhausted)
		return
	}
	delay := m.cfg.BaseDelay << m.attempt
	m.attempt++
	attempt := m.attempt
	gen := m.gen
	m.mu.Unlock()

	// The status goes out before the timer is armed; with a short delay the
	// redial's connecting notification would otherwise be overtaken by this
	// one.
	m.log.Info("ws: reconnecting", "attempt", attempt, "delay", delay)
	m.setStatus(StatusBackingOff, cause)

	m.mu.Lock()
	if gen == m.gen {
		m.retry = time.AfterFunc(delay, func() {
			_ = m.dial(context.Background())
		})
	}
	m.mu.Unlock()
}

func (m *Manager) setStatus(s Status, err error) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if m.cfg.OnStatus != nil {
		m.cfg.OnStatus(s, err)
	}
}
