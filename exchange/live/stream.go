package live

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/internal/observability"
)

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"

	defaultReadLimit        = 2 * 1024 * 1024
	defaultPingInterval     = 30 * time.Second
	defaultPingTimeout      = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultDialTimeout      = 10 * time.Second
	defaultControlInterval      = 250 * time.Millisecond
	defaultReconnectInitialWait = 500 * time.Millisecond
	defaultMaxReconnectWait     = 30 * time.Second
	defaultBatchSize            = 100
)

// StreamConfig parameterises a StreamClient.
type StreamConfig struct {
	// URL is the websocket endpoint.
	URL string
	// Venue names the venue for error envelopes and log fields.
	Venue string
	// Handler receives every data frame. Required.
	Handler func(payload []byte) error
	// Errors optionally receives asynchronous transport errors; sends never
	// block.
	Errors chan<- error

	ReadLimit int64
	// PingInterval is the keepalive cadence; pings share the control budget.
	PingInterval time.Duration
	// WriteTimeout bounds each control frame write.
	WriteTimeout time.Duration
	// DialTimeout bounds how long Start waits for the first session.
	DialTimeout time.Duration
	// ControlInterval paces outbound control frames; most venues throttle
	// subscribe and ping traffic per connection.
	ControlInterval time.Duration
	// ReconnectInitialWait seeds the exponential reconnect backoff.
	ReconnectInitialWait time.Duration
	// MaxReconnectWait caps the exponential reconnect backoff.
	MaxReconnectWait time.Duration
	// BatchSize caps channels per subscribe request.
	BatchSize int
}

func (c *StreamConfig) applyDefaults() {
	if c.Venue == "" {
		c.Venue = "live"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ControlInterval <= 0 {
		c.ControlInterval = defaultControlInterval
	}
	if c.ReconnectInitialWait <= 0 {
		c.ReconnectInitialWait = defaultReconnectInitialWait
	}
	if c.MaxReconnectWait <= 0 {
		c.MaxReconnectWait = defaultMaxReconnectWait
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
}

type controlRequest struct {
	ID       uint64   `json:"id"`
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

type controlAck struct {
	ID    uint64        `json:"id"`
	Error *controlError `json:"error,omitempty"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// StreamClient keeps one websocket session alive: it dials with exponential
// backoff, replays subscriptions after every reconnect, paces control frames,
// and hands data frames to the configured handler. Start and Stop are
// idempotent.
type StreamClient struct {
	cfg StreamConfig

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn

	subsMu sync.Mutex
	subs   map[string]struct{}

	controlMu   sync.Mutex
	lastControl time.Time

	msgID     atomic.Uint64
	ready     chan struct{}
	readyOnce sync.Once
	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
	wg        conc.WaitGroup
}

// NewStreamClient validates cfg and builds an idle client; Start opens the
// session.
func NewStreamClient(cfg StreamConfig) (*StreamClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.New(cfg.Venue, errs.CodeInvalid, errs.WithMessage("stream url required"))
	}
	if cfg.Handler == nil {
		return nil, errs.New(cfg.Venue, errs.CodeInvalid, errs.WithMessage("stream handler required"))
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamClient{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]struct{}),
		ready:  make(chan struct{}),
	}, nil
}

// Start dials in the background and waits for the first session, bounded by
// DialTimeout. Subsequent calls return the first outcome; the reconnect loop
// keeps running until Stop regardless.
func (c *StreamClient) Start() error {
	c.startOnce.Do(func() {
		c.wg.Go(c.connectLoop)
		select {
		case <-c.ready:
		case <-time.After(c.cfg.DialTimeout):
			c.startErr = errs.Connectivity(c.cfg.Venue, fmt.Errorf("timeout waiting for websocket session to %s", c.cfg.URL))
		case <-c.ctx.Done():
			c.startErr = errs.Connectivity(c.cfg.Venue, c.ctx.Err())
		}
	})
	return c.startErr
}

// Stop terminates the session and the reconnect loop, waiting for it to
// unwind. Safe to call repeatedly and before Start.
func (c *StreamClient) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
			c.conn = nil
		}
		c.connMu.Unlock()
		c.wg.Wait()
	})
}

// Subscribe adds channels to the session. Already-subscribed channels are
// skipped; the set is replayed after every reconnect.
func (c *StreamClient) Subscribe(channels ...string) error {
	c.subsMu.Lock()
	fresh := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if _, exists := c.subs[ch]; !exists {
			c.subs[ch] = struct{}{}
			fresh = append(fresh, ch)
		}
	}
	c.subsMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return c.sendControl(c.ctx, opSubscribe, fresh)
}

// Unsubscribe removes channels from the session and the replay set.
func (c *StreamClient) Unsubscribe(channels ...string) error {
	c.subsMu.Lock()
	present := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if _, exists := c.subs[ch]; exists {
			delete(c.subs, ch)
			present = append(present, ch)
		}
	}
	c.subsMu.Unlock()

	if len(present) == 0 {
		return nil
	}
	return c.sendControl(c.ctx, opUnsubscribe, present)
}

// connectLoop maintains the websocket session until Stop: dial, replay
// subscriptions, run reader and pinger, back off, repeat.
func (c *StreamClient) connectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectInitialWait
	policy.MaxInterval = c.cfg.MaxReconnectWait

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.cfg.URL, nil)
		if err != nil {
			c.reportError(errs.Connectivity(c.cfg.Venue, fmt.Errorf("dial %s: %w", c.cfg.URL, err)))
			if !c.sleep(policy.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(c.cfg.ReadLimit)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.controlMu.Lock()
		c.lastControl = time.Time{}
		c.controlMu.Unlock()

		c.readyOnce.Do(func() { close(c.ready) })
		policy.Reset()

		if err := c.resubscribe(); err != nil {
			c.reportError(fmt.Errorf("resubscribe after reconnect: %w", err))
		}

		sessionCtx, sessionCancel := context.WithCancel(c.ctx)
		sessionErr := make(chan error, 2)
		var session conc.WaitGroup
		session.Go(func() { sessionErr <- c.readLoop(sessionCtx, conn) })
		session.Go(func() { sessionErr <- c.pingLoop(sessionCtx, conn) })

		first := <-sessionErr
		sessionCancel()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		session.Wait()

		if first != nil && !errors.Is(first, context.Canceled) {
			c.reportError(fmt.Errorf("stream session: %w", first))
		}
		if !c.sleep(policy.NextBackOff()) {
			return
		}
	}
}

func (c *StreamClient) sleep(d time.Duration) bool {
	if d <= 0 || d == backoff.Stop {
		d = c.cfg.MaxReconnectWait
	}
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *StreamClient) resubscribe() error {
	c.subsMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.subsMu.Unlock()

	if len(channels) == 0 {
		return nil
	}
	return c.sendControl(c.ctx, opSubscribe, channels)
}

func (c *StreamClient) sendControl(ctx context.Context, op string, channels []string) error {
	for start := 0; start < len(channels); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(channels) {
			end = len(channels)
		}
		req := controlRequest{
			ID:       c.msgID.Add(1),
			Op:       op,
			Channels: channels[start:end],
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}

		c.controlMu.Lock()
		if err := c.waitControlWindowLocked(ctx); err != nil {
			c.controlMu.Unlock()
			return err
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			// No session yet; the replay after connect covers this request.
			c.controlMu.Unlock()
			return nil
		}

		writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.controlMu.Unlock()
			return errs.Connectivity(c.cfg.Venue, fmt.Errorf("write %s request: %w", op, err))
		}
		c.lastControl = time.Now()
		c.controlMu.Unlock()
	}
	return nil
}

func (c *StreamClient) waitControlWindowLocked(ctx context.Context) error {
	if c.lastControl.IsZero() {
		return nil
	}
	wait := time.Until(c.lastControl.Add(c.cfg.ControlInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pacing control frames: %w", ctx.Err())
	case <-c.ctx.Done():
		return fmt.Errorf("pacing control frames: %w", c.ctx.Err())
	}
}

func (c *StreamClient) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			c.controlMu.Lock()
			if err := c.waitControlWindowLocked(ctx); err != nil {
				c.controlMu.Unlock()
				return context.Canceled
			}
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.controlMu.Unlock()
				if isSessionEnd(err) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
			c.lastControl = time.Now()
			c.controlMu.Unlock()
		}
	}
}

func (c *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if isSessionEnd(err) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var ack controlAck
		if err := json.Unmarshal(data, &ack); err == nil && ack.ID > 0 {
			if ack.Error != nil {
				c.reportError(fmt.Errorf("control rejected (id=%d): code=%d msg=%s", ack.ID, ack.Error.Code, ack.Error.Msg))
			}
			continue
		}

		if err := c.cfg.Handler(data); err != nil {
			c.reportError(fmt.Errorf("handle frame: %w", err))
		}
	}
}

// isSessionEnd classifies errors that mean the session ended on purpose
// rather than failed.
func isSessionEnd(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

func (c *StreamClient) reportError(err error) {
	if err == nil {
		return
	}
	observability.Log().Warn("stream transport error",
		observability.F("venue", c.cfg.Venue),
		observability.F("error", err.Error()))
	if c.cfg.Errors == nil {
		return
	}
	select {
	case <-c.ctx.Done():
	case c.cfg.Errors <- err:
	default:
	}
}
