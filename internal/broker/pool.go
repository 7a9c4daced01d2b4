// Package broker owns the pool of physical AMQP connections. Callers never
// hold raw connections; they acquire generation-indexed channel handles that
// become stale when the pool replaces the underlying connection after a
// failure.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/metrics"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
)

// Common errors.
var (
	ErrNoCapacity  = errors.New("no healthy broker connection available")
	ErrPoolClosed  = errors.New("broker pool is closed")
	ErrStaleHandle = errors.New("channel handle is stale")
)

// State represents the lifecycle of one pooled connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDegraded
	StateClosed
)

// String returns the string representation of a connection state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Channel is the AMQP channel surface the pool hands out. Satisfied by
// *amqp.Channel; tests substitute fakes.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// Connection is the subset of the AMQP connection the pool depends on.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer establishes one physical broker connection.
type Dialer func(url string) (Connection, error)

// amqpConnection adapts *amqp.Connection to the Connection interface.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// AMQPDialer dials a real AMQP broker.
func AMQPDialer(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{Connection: conn}, nil
}

// Config configures a broker pool.
type Config struct {
	URL       string
	PoolSize  int
	Reconnect retry.Policy
	Dialer    Dialer
}

// Pool owns a fixed number of broker connections, one channel each. Slots
// are churned in place on failure; the pool never grows or shrinks.
type Pool struct {
	url       string
	reconnect retry.Policy
	dial      Dialer
	logger    *slog.Logger

	slots []*slot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool
}

// slot is one fixed pool position. The generation counter increments every
// time the connection is replaced, invalidating outstanding handles.
type slot struct {
	index int

	mu         sync.RWMutex
	generation uint64
	conn       Connection
	channel    Channel
	state      State
	degraded   bool
	lastError  error
}

// Handle grants access to one channel at one generation. It must not be
// retained across a reconnect; use Valid before reuse and reacquire on
// failure.
type Handle struct {
	slot       *slot
	generation uint64
	channel    Channel
}

// Channel returns the underlying AMQP channel.
func (h *Handle) Channel() Channel { return h.channel }

// SlotIndex returns the pool slot this handle was issued from.
func (h *Handle) SlotIndex() int { return h.slot.index }

// Generation returns the slot generation this handle was issued at.
func (h *Handle) Generation() uint64 { return h.generation }

// Valid reports whether the slot still runs the generation this handle was
// issued at. Operations on a stale handle fail and must be retried by the
// caller through a fresh acquisition, never silently migrated.
func (h *Handle) Valid() bool {
	h.slot.mu.RLock()
	defer h.slot.mu.RUnlock()
	return h.slot.generation == h.generation && h.slot.state == StateOpen
}

// New establishes Config.PoolSize connections with one channel each. It
// fails fast if the first connection cannot be made; later slots that fail
// to connect start in a reconnect cycle instead.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.PoolSize)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = AMQPDialer
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		url:       cfg.URL,
		reconnect: cfg.Reconnect,
		dial:      cfg.Dialer,
		logger:    logger.With("component", "broker-pool"),
		slots:     make([]*slot, cfg.PoolSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := range p.slots {
		p.slots[i] = &slot{index: i, state: StateConnecting}
	}

	for i, s := range p.slots {
		if err := p.connectSlot(s); err != nil {
			if i == 0 {
				cancel()
				return nil, fmt.Errorf("failed to establish first broker connection: %w", err)
			}
			p.logger.Warn("slot failed to connect at startup, scheduling reconnect",
				"slot", i, "error", err)
			p.scheduleReconnect(s)
			continue
		}
		p.watchSlot(s)
	}

	p.logger.Info("broker pool initialized", "size", cfg.PoolSize, "url", redactURL(cfg.URL))
	return p, nil
}

// AcquireChannel returns a handle to a channel chosen uniformly at random
// among healthy slots, spreading load without head-of-line contention.
func (p *Pool) AcquireChannel() (*Handle, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	healthy := make([]*Handle, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.RLock()
		if s.state == StateOpen && s.channel != nil {
			healthy = append(healthy, &Handle{slot: s, generation: s.generation, channel: s.channel})
		}
		s.mu.RUnlock()
	}

	if len(healthy) == 0 {
		return nil, ErrNoCapacity
	}

	return healthy[rand.Intn(len(healthy))], nil
}

// Health reports the number of open and degraded slots.
func (p *Pool) Health() (open, degraded int) {
	for _, s := range p.slots {
		s.mu.RLock()
		switch {
		case s.state == StateOpen:
			open++
		case s.degraded:
			degraded++
		}
		s.mu.RUnlock()
	}
	return open, degraded
}

// Degraded reports whether any slot has exhausted a full backoff cycle
// without reconnecting.
func (p *Pool) Degraded() bool {
	_, degraded := p.Health()
	return degraded > 0
}

// publishHealth refreshes the pool gauges after a state transition.
func (p *Pool) publishHealth() {
	open, degraded := p.Health()
	metrics.BrokerPoolOpen.Set(float64(open))
	metrics.BrokerPoolDegraded.Set(float64(degraded))
}

// connectSlot dials a new connection for the slot and installs it under a
// fresh generation. The old connection, if any, is discarded.
func (p *Pool) connectSlot(s *slot) error {
	conn, err := p.dial(p.url)
	if err != nil {
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	s.mu.Lock()
	s.generation++
	s.conn = conn
	s.channel = ch
	s.state = StateOpen
	s.degraded = false
	s.lastError = nil
	gen := s.generation
	s.mu.Unlock()

	p.publishHealth()
	p.logger.Debug("slot connected", "slot", s.index, "generation", gen)
	return nil
}

// watchSlot waits for the connection to report closure and churns the slot.
func (p *Pool) watchSlot(s *slot) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case <-p.ctx.Done():
			return
		case amqpErr := <-closed:
			if p.closed.Load() {
				return
			}
			if amqpErr != nil {
				p.logger.Warn("broker connection lost", "slot", s.index, "error", amqpErr)
			}
			s.mu.Lock()
			s.state = StateConnecting
			s.channel = nil
			s.conn = nil
			s.mu.Unlock()
			p.publishHealth()
			p.scheduleReconnect(s)
		}
	}()
}

// scheduleReconnect runs reconnect cycles for the slot until it succeeds or
// the pool shuts down. Exhausting one cycle marks the slot degraded, which
// is surfaced through Health rather than to in-flight callers.
func (p *Pool) scheduleReconnect(s *slot) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		for {
			err := p.reconnect.Do(p.ctx, func() error {
				return p.connectSlot(s)
			})
			if err == nil {
				p.watchSlot(s)
				p.logger.Info("slot reconnected", "slot", s.index)
				return
			}
			if p.ctx.Err() != nil {
				return
			}

			s.mu.Lock()
			s.degraded = true
			s.mu.Unlock()
			p.publishHealth()
			p.logger.Error("slot reconnect cycle exhausted, pool member degraded",
				"slot", s.index, "attempts", p.reconnect.MaxAttempts, "error", err)
		}
	}()
}

// Shutdown closes all channels then all connections. Safe to call more than
// once.
func (p *Pool) Shutdown() error {
	var errs []error

	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()

		for _, s := range p.slots {
			s.mu.Lock()
			if s.channel != nil {
				if err := s.channel.Close(); err != nil {
					errs = append(errs, fmt.Errorf("slot %d channel close: %w", s.index, err))
				}
				s.channel = nil
			}
			s.mu.Unlock()
		}

		for _, s := range p.slots {
			s.mu.Lock()
			if s.conn != nil && !s.conn.IsClosed() {
				if err := s.conn.Close(); err != nil {
					errs = append(errs, fmt.Errorf("slot %d connection close: %w", s.index, err))
				}
			}
			s.conn = nil
			s.state = StateClosed
			s.mu.Unlock()
		}

		p.wg.Wait()
		p.logger.Info("broker pool shut down")
	})

	return errors.Join(errs...)
}

// redactURL strips credentials from a broker URL for logging.
func redactURL(url string) string {
	at := -1
	scheme := -1
	for i := 0; i < len(url); i++ {
		if url[i] == '@' {
			at = i
		}
		if url[i] == '/' && i > 0 && url[i-1] == '/' {
			scheme = i
		}
	}
	if at == -1 || scheme == -1 || at < scheme {
		return url
	}
	return url[:scheme+1] + "***" + url[at:]
}
