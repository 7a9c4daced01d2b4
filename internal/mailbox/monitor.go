package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/metrics"
)

// Monitor places every pool session into a long-lived watch loop and emits
// newly-arrived messages as InboundEmailItems on a bounded channel. Items
// are produced concurrently across sessions and serially within one.
type Monitor struct {
	pool   *Pool
	logger *slog.Logger

	items chan *InboundEmailItem

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewMonitor creates a monitor over the pool. bufferSize bounds the emit
// channel; a full buffer blocks the producing session, which is the
// backpressure contract with the pipeline.
func NewMonitor(pool *Pool, bufferSize int, logger *slog.Logger) *Monitor {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		pool:   pool,
		logger: logger.With("component", "mailbox-monitor"),
		items:  make(chan *InboundEmailItem, bufferSize),
	}
}

// Items returns the stream of newly-arrived email items.
func (m *Monitor) Items() <-chan *InboundEmailItem { return m.items }

// Start launches one watch loop per pool session.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("monitor already started")
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)

	for _, s := range m.pool.Sessions() {
		m.wg.Add(1)
		go func(s *Session) {
			defer m.wg.Done()
			m.watchSession(ctx, s)
		}(s)
	}

	m.logger.Info("mailbox monitor started", "sessions", len(m.pool.Sessions()))
	return nil
}

// Shutdown stops all watches and logs out every session, waiting up to
// grace for in-flight work. Exceeding the grace period is a fatal
// condition and is logged as such, never swallowed.
func (m *Monitor) Shutdown(grace time.Duration) error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("mailbox monitor stopped")
		return nil
	case <-time.After(grace):
		err := fmt.Errorf("mailbox monitor forced shutdown after %s grace period", grace)
		m.logger.Error("forced shutdown", "grace", grace, "error", err)
		return err
	}
}

// watchSession is the serial loop for one pool member: select the folder,
// drain unseen messages, then idle until an update, a health probe, or an
// error. One unhealthy session never affects the others.
func (m *Monitor) watchSession(ctx context.Context, s *Session) {
	for ctx.Err() == nil {
		c := s.getClient()
		if c == nil {
			if !m.reconnectSession(ctx, s) {
				return
			}
			continue
		}

		if _, err := c.Select(m.pool.cfg.Folder, false); err != nil {
			s.logger.Warn("failed to select folder", "folder", m.pool.cfg.Folder, "error", err)
			if !m.reconnectSession(ctx, s) {
				return
			}
			continue
		}

		s.setState(SessionWatching)

		if err := m.drainUnseen(ctx, s, c); err != nil {
			s.logger.Warn("failed to fetch new messages", "error", err)
			if !m.reconnectSession(ctx, s) {
				return
			}
			continue
		}

		healthy := m.idleUntilEvent(ctx, s, c)
		if ctx.Err() != nil {
			break
		}
		if !healthy {
			if !m.reconnectSession(ctx, s) {
				return
			}
		}
	}

	// Graceful exit: end the watch and log out.
	if c := s.getClient(); c != nil {
		if err := c.Logout(); err != nil {
			s.logger.Debug("logout failed during shutdown", "error", err)
		}
	}
	s.setState(SessionClosed)
}

// idleUntilEvent parks the session in IDLE and returns when something
// happened. It reports false when the session needs to be rebuilt.
func (m *Monitor) idleUntilEvent(ctx context.Context, s *Session, c Client) bool {
	stop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- c.Idle(stop, &client.IdleOptions{LogoutTimeout: m.pool.cfg.IdleTimeout})
	}()

	stopIdle := func() error {
		close(stop)
		return <-idleDone
	}

	probe := time.NewTimer(m.pool.cfg.ProbeInterval)
	defer probe.Stop()

	select {
	case <-ctx.Done():
		_ = stopIdle()
		return true

	case <-c.Updates():
		// New mail (or any mailbox change): leave IDLE and re-fetch.
		if err := stopIdle(); err != nil {
			s.logger.Warn("idle ended with error", "error", err)
			return false
		}
		return true

	case err := <-idleDone:
		if err != nil {
			s.logger.Warn("idle failed", "error", err)
			return false
		}
		return true

	case <-probe.C:
		// Lightweight no-op health probe, serialized with the watch.
		if err := stopIdle(); err != nil {
			s.logger.Warn("idle ended with error before probe", "error", err)
			return false
		}
		if err := c.Noop(); err != nil {
			s.logger.Warn("health probe failed", "error", err)
			s.mu.Lock()
			s.lastError = err
			s.mu.Unlock()
			return false
		}
		s.mu.Lock()
		s.lastProbe = time.Now()
		s.mu.Unlock()
		return true
	}
}

// drainUnseen fetches every unseen message, parses it, emits the item, and
// marks the message seen so a replayed fetch is a no-op.
func (m *Monitor) drainUnseen(ctx context.Context, s *Session, c Client) error {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	msgs := make(chan *imap.Message, len(ids))
	if err := c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, msgs); err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}

	for msg := range msgs {
		body := msg.GetBody(section)
		if body == nil {
			s.logger.Warn("fetched message without body section", "seq", msg.SeqNum)
			continue
		}

		item, err := ParseMessage(body)
		if err != nil {
			// The message stays marked seen below; an unparseable body
			// would otherwise wedge the session in a fetch loop.
			s.logger.Error("failed to parse inbound message", "seq", msg.SeqNum, "error", err)
			continue
		}

		metrics.MailboxMessagesSeen.Inc()
		s.logger.Info("inbound email observed",
			"sender", item.Sender,
			"subject", item.Subject,
			"attachments", len(item.Attachments))

		select {
		case m.items <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Mark the batch seen only after every item was emitted.
	markSeen := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.Store(seqset, markSeen, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark messages seen: %w", err)
	}

	return nil
}

// reconnectSession rebuilds the session's connection with backoff, scoped
// to this session only. It reports false when the context ended.
func (m *Monitor) reconnectSession(ctx context.Context, s *Session) bool {
	s.setState(SessionReconnecting)
	metrics.MailboxReconnects.Inc()

	if c := s.getClient(); c != nil {
		_ = c.Logout()
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
	}

	for ctx.Err() == nil {
		err := m.pool.cfg.Reconnect.Do(ctx, func() error {
			c, dialErr := m.pool.cfg.Dialer(m.pool.cfg)
			if dialErr != nil {
				return dialErr
			}
			s.setClient(c)
			return nil
		})
		if err == nil {
			s.setState(SessionIdle)
			s.logger.Info("mailbox session reconnected")
			return true
		}
		if ctx.Err() != nil {
			break
		}

		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		s.logger.Error("mailbox reconnect cycle exhausted, session degraded",
			"attempts", m.pool.cfg.Reconnect.MaxAttempts, "error", err)
	}

	s.setState(SessionClosed)
	return false
}
