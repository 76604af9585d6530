// Package listener owns the persistent inbound sync connection: reconnect
// with a bounded retry budget, frame decoding, target filtering, duplicate
// suppression and the synchronous reply path.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultMaxRetries   = 5
	defaultRetryDelay   = 5 * time.Second
	defaultReplyTimeout = 2 * time.Minute
	stopJoinTimeout     = time.Second
	pingInterval        = 30 * time.Second
)

// Replier produces the direct reply for an accepted inbound turn.
type Replier interface {
	Reply(ctx context.Context, text string) (string, error)
}

// Dispatcher is the outbound send boundary.
type Dispatcher interface {
	SendTextMessage(ctx context.Context, toUser, text string) error
}

// Dialer opens the inbound sync socket.
type Dialer interface {
	DialSync(ctx context.Context) (*websocket.Conn, error)
}

type Options struct {
	Dialer   Dialer
	Engine   Replier
	Dispatch Dispatcher
	// OnActivity is invoked with the sender id of every accepted event,
	// before the reply is generated.
	OnActivity func(senderID string)
	// Target restricts processing to one sender id. Empty accepts all.
	Target       string
	MaxRetries   int
	RetryDelay   time.Duration
	ReplyTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

type Listener struct {
	dialer       Dialer
	engine       Replier
	dispatch     Dispatcher
	onActivity   func(string)
	maxRetries   int
	retryDelay   time.Duration
	replyTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	target  string
	conn    *websocket.Conn
	stopCh  chan struct{}
	doneCh  chan struct{}

	dedup *dedupCache
}

func New(opts Options) (*Listener, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("listener: dialer is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("listener: engine is required")
	}
	if opts.Dispatch == nil {
		return nil, fmt.Errorf("listener: dispatcher is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		dialer:       opts.Dialer,
		engine:       opts.Engine,
		dispatch:     opts.Dispatch,
		onActivity:   opts.OnActivity,
		maxRetries:   opts.MaxRetries,
		retryDelay:   opts.RetryDelay,
		replyTimeout: opts.ReplyTimeout,
		logger:       logger,
		target:       strings.TrimSpace(opts.Target),
		dedup:        newDedupCache(opts.Now),
	}, nil
}

// SetTarget restricts processing to one sender id; empty removes the filter.
func (l *Listener) SetTarget(id string) {
	id = strings.TrimSpace(id)
	l.mu.Lock()
	l.target = id
	l.mu.Unlock()
	if id != "" {
		l.logger.Info("listener_target_set", "target", id)
	} else {
		l.logger.Info("listener_target_cleared")
	}
}

func (l *Listener) Target() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

func (l *Listener) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *Listener) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("listener: already running")
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	stopCh, doneCh := l.stopCh, l.doneCh
	l.mu.Unlock()

	go l.run(stopCh, doneCh)
	return nil
}

// Stop closes the transport and waits a bounded time for the receive loop
// to exit. A reply already in flight completes on its own; the loop's stop
// channel keeps an outlived loop from ever dialing again, so a following
// Start cannot race it into a second subscription.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	if l.conn != nil {
		_ = l.conn.Close()
	}
	doneCh := l.doneCh
	l.mu.Unlock()

	select {
	case <-doneCh:
	case <-time.After(stopJoinTimeout):
	}
	l.logger.Info("listener_stopped")
}

// Reconnect forces a close and a fresh connect attempt with a fresh retry
// budget, independent of the budget the previous loop consumed.
func (l *Listener) Reconnect() error {
	l.logger.Info("listener_reconnect_requested")
	l.Stop()
	return l.Start()
}

// run is one loop generation. Liveness is scoped to stopCh, never to shared
// state: once its Stop closes the channel this loop may finish an in-flight
// reply but never dials again, even if a fresh generation is already up.
func (l *Listener) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	retries := 0
	for !stopped(stopCh) {
		conn, err := l.dialer.DialSync(context.Background())
		if err != nil {
			if stopped(stopCh) {
				return
			}
			retries++
			l.logger.Warn("listener_connect_error", "attempt", retries, "max_retries", l.maxRetries, "error", err.Error())
			if retries >= l.maxRetries {
				l.logger.Error("listener_retries_exhausted", "max_retries", l.maxRetries)
				return
			}
			if !sleepOrStop(stopCh, l.retryDelay) {
				return
			}
			continue
		}

		if stopped(stopCh) {
			_ = conn.Close()
			return
		}
		l.setConn(conn)
		l.logger.Info("listener_connected")

		pingStop := make(chan struct{})
		go keepalive(conn, pingStop)

		readErr := l.readLoop(conn)
		close(pingStop)

		l.clearConn(conn)
		_ = conn.Close()

		if stopped(stopCh) {
			return
		}
		retries++
		l.logger.Warn("listener_disconnected", "attempt", retries, "max_retries", l.maxRetries, "error", errString(readErr))
		if retries >= l.maxRetries {
			// Terminal until an operator calls Reconnect.
			l.logger.Error("listener_retries_exhausted", "max_retries", l.maxRetries)
			return
		}
		if !sleepOrStop(stopCh, l.retryDelay) {
			return
		}
	}
}

func stopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// sleepOrStop waits out the backoff delay; a stop wakes it immediately.
func sleepOrStop(stopCh <-chan struct{}, d time.Duration) bool {
	select {
	case <-stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// keepalive pings until stop closes. It is the connection's only writer.
func keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (l *Listener) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handleFrame(raw)
	}
}

// handleFrame applies the per-event pipeline: decode, target filter,
// automated/self filters, dedup, activity clock, reply, dispatch.
func (l *Listener) handleFrame(raw []byte) {
	event, err := decodeEvent(raw)
	if err != nil {
		if errors.Is(err, errEmptyContent) {
			return
		}
		l.logger.Warn("listener_frame_dropped", "error", err.Error())
		return
	}

	// Intentional privacy filter, not an error path: stay silent.
	if target := l.Target(); target != "" && event.SenderID != target {
		return
	}
	if isAutomatedSender(event.SenderID) || event.SenderID == event.RecipientID || event.SelfSent {
		return
	}

	if l.dedup.Seen(event.DedupKey()) {
		l.logger.Debug("listener_duplicate_dropped", "sender", event.SenderID)
		return
	}
	l.dedup.Prune()

	correlationID := uuid.NewString()
	if l.onActivity != nil {
		l.onActivity(event.SenderID)
	}
	l.logger.Info("inbound_message", "sender", event.SenderID, "room_hint", event.RoomHint, "correlation_id", correlationID)

	ctx, cancel := context.WithTimeout(context.Background(), l.replyTimeout)
	defer cancel()

	reply, err := l.engine.Reply(ctx, event.Content)
	if err != nil {
		l.logger.Warn("reply_error", "sender", event.SenderID, "correlation_id", correlationID, "error", err.Error())
		return
	}
	if err := l.dispatch.SendTextMessage(ctx, event.SenderID, reply); err != nil {
		l.logger.Warn("reply_dispatch_error", "sender", event.SenderID, "correlation_id", correlationID, "error", err.Error())
		return
	}
	l.logger.Info("reply_sent", "sender", event.SenderID, "correlation_id", correlationID)
}

func (l *Listener) setConn(conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

// clearConn drops the shared conn only if it is still this loop's own; an
// outlived loop must not null out a successor's connection.
func (l *Listener) clearConn(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
