package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool leases AMQP channels for short operations. Channels are
// opened lazily, never shared between concurrent callers and thrown away
// once they have been closed by the broker.
type ChannelPool struct {
	manager        *ConnectionManager
	channels       chan *PooledChannel
	maxSize        int
	minSize        int
	idleTimeout    time.Duration
	acquireTimeout time.Duration
	confirmMode    bool
	logger         *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
	confirm  bool
	returns  chan amqp.Return
}

// ID identifies the channel in logs and errors
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels opened up front
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithAcquireTimeout bounds how long Get waits for a free channel
func WithAcquireTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireTimeout = timeout
	}
}

// WithConfirmMode puts every pooled channel into publisher confirm mode
func WithConfirmMode(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirmMode = enabled
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		if logger != nil {
			cp.logger = logger
		}
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:        manager,
		maxSize:        10,
		minSize:        0,
		idleTimeout:    5 * time.Minute,
		acquireTimeout: 5 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel(context.Background())
		if err != nil {
			_ = pool.Close()
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// ConfirmMode reports whether leased channels are in confirm mode
func (cp *ChannelPool) ConfirmMode() bool {
	return cp.confirmMode
}

// Get leases a channel, opening one when the pool has room
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if err := cp.checkOpen(); err != nil {
		return nil, err
	}

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.forget()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.createChannel(ctx)
			if err != nil {
				cp.forget()
				return nil, err
			}
			return ch, nil
		}

		timer := time.NewTimer(cp.acquireTimeout)
		select {
		case ch := <-cp.channels:
			timer.Stop()
			if ch.IsClosed() {
				cp.forget()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}

		case <-timer.C:
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ErrChannelPoolExhausted,
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a healthy channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	if ch.IsClosed() {
		cp.forget()
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		_ = ch.Close()
		cp.activeCount--
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.activeCount--
	}
}

// Discard closes a channel whose state can no longer be trusted, such as
// one with an outstanding confirm
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if !ch.IsClosed() {
		_ = ch.Close()
	}
	cp.forget()
}

// Close closes all idle channels; leased channels close when returned
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true
	close(cp.done)

	for {
		select {
		case ch := <-cp.channels:
			if !ch.IsClosed() {
				_ = ch.Close()
			}
			cp.activeCount--
		default:
			return nil
		}
	}
}

// Size returns the number of open channels, leased or idle
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a leased channel, recovering panics
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

func (cp *ChannelPool) checkOpen() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return ErrChannelPoolClosed
	}
	return nil
}

// reserve claims a slot for a new channel
func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed || cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

// forget releases the slot of a channel that is gone
func (cp *ChannelPool) forget() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
}

// createChannel opens a channel on the current connection, waiting for a
// reconnect if necessary
func (cp *ChannelPool) createChannel(ctx context.Context) (*PooledChannel, error) {
	conn, err := cp.manager.WaitForConnection(ctx)
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		id:       uuid.NewString(),
		lastUsed: time.Now(),
	}

	if cp.confirmMode {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{
				Op:        "enable confirms",
				ChannelID: pooled.id,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pooled.confirm = true
		pooled.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	}

	return pooled, nil
}

// cleanupIdle closes channels unused for longer than the idle timeout
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel
	drain:
		for {
			select {
			case ch := <-cp.channels:
				if ch.IsClosed() || (ch.lastUsed.Before(cutoff) && cp.activeCount > cp.minSize) {
					_ = ch.Close()
					cp.activeCount--
					continue
				}
				keep = append(keep, ch)
			default:
				break drain
			}
		}
		for _, ch := range keep {
			select {
			case cp.channels <- ch:
			default:
				_ = ch.Close()
				cp.activeCount--
			}
		}
		cp.mu.Unlock()
	}
}
