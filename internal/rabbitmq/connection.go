package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection. Tests replace it to simulate brokers
// that refuse or hang.
type Dialer func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the single broker connection of a process and
// reconnects it when the broker closes it.
type ConnectionManager struct {
	url               string
	dial              Dialer
	connectionName    string
	connectionTimeout time.Duration
	heartbeat         time.Duration
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int
	logger            *slog.Logger

	dialMu      sync.Mutex
	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	closed      bool
	failure     error
	changed     chan struct{}
	done        chan struct{}
	refs        int

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; -1 retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectionTimeout bounds dialing and waiting for a connection
func WithConnectionTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectionName sets the client-provided connection name shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// NewConnectionManager creates a new connection manager holding one reference
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:               url,
		dial:              amqp.DialConfig,
		connectionName:    "mmate-relay",
		connectionTimeout: 30 * time.Second,
		heartbeat:         10 * time.Second,
		reconnectDelay:    5 * time.Second,
		maxReconnectDelay: 5 * time.Minute,
		maxRetries:        -1, // infinite retries by default
		logger:            slog.Default(),
		changed:           make(chan struct{}),
		done:              make(chan struct{}),
		refs:              1,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. It fails with
// contracts.ErrConnectionRefused when the broker refuses or does not answer
// within the connection timeout.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.dialMu.Lock()
	defer cm.dialMu.Unlock()

	cm.mu.RLock()
	closed, connected := cm.closed, cm.isConnected
	cm.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}
	if connected {
		return nil
	}

	conn, err := cm.dialOnce(ctx)
	if err != nil {
		cm.mu.Lock()
		cm.failure = err
		cm.broadcastLocked()
		cm.mu.Unlock()
		return err
	}

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.install(conn)
	return nil
}

// dialOnce dials the broker, giving up after the connection timeout or when
// ctx ends. A connection that arrives after the caller gave up is closed.
func (cm *ConnectionManager) dialOnce(ctx context.Context) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.connectionName)
	cfg := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Properties: props,
		Dial:       amqp.DefaultDial(cm.connectionTimeout),
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url, cfg)
		results <- result{conn: conn, err: err}
	}()

	timer := time.NewTimer(cm.connectionTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
	}

	select {
	case r := <-results:
		if r.err != nil {
			return nil, cm.connectError("connect", fmt.Errorf("%w: %w", contracts.ErrConnectionRefused, r.err), 1)
		}
		return r.conn, nil

	case <-timer.C:
		abandon()
		return nil, cm.connectError("connect", fmt.Errorf("%w: %w", contracts.ErrConnectionRefused, ErrConnectionTimeout), 1)

	case <-ctx.Done():
		abandon()
		return nil, cm.connectError("connect", ctx.Err(), 1)
	}
}

func (cm *ConnectionManager) connectError(op string, err error, attempts int) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
}

// install makes conn the current connection and starts watching it
func (cm *ConnectionManager) install(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return
	}
	cm.conn = conn
	cm.isConnected = true
	cm.failure = nil
	cm.broadcastLocked()
	cm.mu.Unlock()

	cm.notifyConnected()
	go cm.handleReconnect(notifyClose)
}

// broadcastLocked wakes every WaitForConnection caller. cm.mu must be held.
func (cm *ConnectionManager) broadcastLocked() {
	close(cm.changed)
	cm.changed = make(chan struct{})
}

// GetConnection returns the current connection without waiting
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrManagerClosed
	}
	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// WaitForConnection blocks until a connection is available, ctx ends, the
// connection timeout elapses or reconnection gives up. It never waits
// longer than the connection timeout.
func (cm *ConnectionManager) WaitForConnection(ctx context.Context) (*amqp.Connection, error) {
	timer := time.NewTimer(cm.connectionTimeout)
	defer timer.Stop()

	for {
		cm.mu.RLock()
		conn, connected, closed, failure, changed := cm.conn, cm.isConnected, cm.closed, cm.failure, cm.changed
		cm.mu.RUnlock()

		switch {
		case closed:
			return nil, ErrManagerClosed
		case connected && conn != nil && !conn.IsClosed():
			return conn, nil
		case failure != nil && !connected:
			return nil, failure
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, cm.connectError("wait", fmt.Errorf("%w: %w", contracts.ErrConnectionRefused, ErrConnectionTimeout), 0)
		}
	}
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Acquire takes a reference on the manager. Every Acquire must be paired
// with a Release.
func (cm *ConnectionManager) Acquire() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return ErrManagerClosed
	}
	cm.refs++
	return nil
}

// Release drops a reference and closes the connection with the last one
func (cm *ConnectionManager) Release() error {
	cm.mu.Lock()
	if cm.refs > 0 {
		cm.refs--
	}
	last := cm.refs == 0
	cm.mu.Unlock()

	if !last {
		return nil
	}
	return cm.Close()
}

// References returns the number of outstanding references
func (cm *ConnectionManager) References() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.refs
}

// Close closes the connection regardless of outstanding references
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	conn := cm.conn
	cm.conn = nil
	close(cm.done)
	cm.broadcastLocked()
	cm.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

func (cm *ConnectionManager) isClosed() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.closed
}

// handleReconnect waits for the connection to close and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	select {
	case err := <-notifyClose:
		if cm.isClosed() {
			return
		}
		if err != nil {
			cm.logger.Error("connection closed", "error", err)
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.broadcastLocked()
		cm.mu.Unlock()

		if err != nil {
			cm.notifyDisconnected(err)
		} else {
			cm.notifyDisconnected(ErrConnectionClosed)
		}
		cm.reconnect()

	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

// reconnect dials with capped exponential backoff until it succeeds, the
// manager closes or maxRetries is reached
func (cm *ConnectionManager) reconnect() {
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, cm.maxReconnectDelay, 2.0, cm.maxRetries)
	backoff.Jitter = true
	startTime := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries > 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(startTime))

			err := cm.connectError("reconnect",
				fmt.Errorf("%w: %w", contracts.ErrConnectionRefused, ErrMaxRetriesExceeded), attempt)
			cm.mu.Lock()
			cm.failure = err
			cm.broadcastLocked()
			cm.mu.Unlock()
			cm.notifyDisconnected(err)
			return
		}

		if attempt > 0 {
			delay := backoff.NextDelay(attempt - 1)
			if err := reliability.SleepWithContext(ctx, delay); err != nil {
				return
			}
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt + 1)

		cm.dialMu.Lock()
		conn, err := cm.dialOnce(ctx)
		cm.dialMu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", attempt+1)
			continue
		}

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(startTime))
		cm.install(conn)
		return
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
