// Package mailbox owns the pool of authenticated IMAP sessions and the
// monitor that turns newly-arrived email into typed work items.
package mailbox

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
)

// Common errors.
var (
	ErrPoolClosed = errors.New("mailbox pool is closed")
)

// SessionState represents the lifecycle of one pooled mailbox session.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionWatching
	SessionReconnecting
	SessionClosed
)

// String returns the string representation of a session state.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionWatching:
		return "watching"
	case SessionReconnecting:
		return "reconnecting"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client is the subset of the IMAP client a session depends on. Satisfied
// by the go-imap client through the imapClient adapter; tests substitute
// fakes.
type Client interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Idle(stop <-chan struct{}, opts *client.IdleOptions) error
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Noop() error
	Logout() error
	Updates() <-chan client.Update
}

// Dialer establishes and authenticates one mailbox session.
type Dialer func(cfg Config) (Client, error)

// Config configures the mailbox pool.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Folder   string
	UseTLS   bool

	PoolSize      int
	ProbeInterval time.Duration
	IdleTimeout   time.Duration
	Reconnect     retry.Policy
	Dialer        Dialer
}

// IMAPDialer dials a real IMAP server and authenticates.
func IMAPDialer(cfg Config) (Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var c *client.Client
	var err error
	if cfg.UseTLS {
		c, err = client.DialTLS(addr, &tls.Config{ServerName: cfg.Host})
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to authenticate %s: %w", cfg.Username, err)
	}

	updates := make(chan client.Update, 32)
	c.Updates = updates

	return &imapClient{Client: c, updates: updates}, nil
}

// imapClient adapts *client.Client, exposing its update stream as a method.
type imapClient struct {
	*client.Client
	updates chan client.Update
}

func (c *imapClient) Updates() <-chan client.Update { return c.updates }

// Session is one pool member: a single authenticated mailbox connection
// with independently tracked health.
type Session struct {
	index  int
	logger *slog.Logger

	mu         sync.RWMutex
	client     Client
	state      SessionState
	lastProbe  time.Time
	lastError  error
	degraded   bool
	generation uint64
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastProbe returns the time of the last successful health probe.
func (s *Session) LastProbe() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastProbe
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setClient(c Client) {
	s.mu.Lock()
	s.client = c
	s.generation++
	s.lastProbe = time.Now()
	s.degraded = false
	s.lastError = nil
	s.mu.Unlock()
}

// Degraded reports whether the session has exhausted a reconnect cycle
// without recovering.
func (s *Session) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Session) getClient() Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Pool owns a fixed set of mailbox sessions. Membership churns during
// reconnection but the pool never grows or shrinks.
type Pool struct {
	cfg      Config
	logger   *slog.Logger
	sessions []*Session
}

// NewPool authenticates Config.PoolSize sessions. The first session failing
// to authenticate fails initialization; later failures leave the session in
// the reconnect discipline once monitoring starts.
func NewPool(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.PoolSize)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = IMAPDialer
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 4 * time.Minute
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:      cfg,
		logger:   logger.With("component", "mailbox-pool"),
		sessions: make([]*Session, cfg.PoolSize),
	}

	for i := range p.sessions {
		s := &Session{
			index:  i,
			logger: p.logger.With("session", i),
			state:  SessionIdle,
		}
		p.sessions[i] = s

		c, err := cfg.Dialer(cfg)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("failed to establish first mailbox session: %w", err)
			}
			p.logger.Warn("session failed to authenticate at startup", "session", i, "error", err)
			s.mu.Lock()
			s.lastError = err
			s.state = SessionReconnecting
			s.mu.Unlock()
			continue
		}
		s.setClient(c)
	}

	p.logger.Info("mailbox pool initialized",
		"size", cfg.PoolSize,
		"host", cfg.Host,
		"folder", cfg.Folder)

	return p, nil
}

// Sessions returns the fixed pool members.
func (p *Pool) Sessions() []*Session { return p.sessions }

// Health reports the number of sessions watching or idle versus
// reconnecting.
func (p *Pool) Health() (healthy, reconnecting int) {
	for _, s := range p.sessions {
		switch s.State() {
		case SessionIdle, SessionWatching:
			healthy++
		case SessionReconnecting:
			reconnecting++
		}
	}
	return healthy, reconnecting
}

// Degraded reports whether any session has exhausted a reconnect cycle and
// is still down.
func (p *Pool) Degraded() bool {
	for _, s := range p.sessions {
		if s.Degraded() {
			return true
		}
	}
	return false
}
