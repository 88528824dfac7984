package subscriber

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/metrics"
	apperrors "github.com/solwatch/watchtower/pkg/errors"
)

// Status is the connection state of the client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

const maxReconnectDelay = 60 * time.Second

// Client maintains a live subscription to the upstream event stream
// and decodes frames into ProgramEvents.
type Client struct {
	cfg       config.NetworkConfig
	programs  []config.ProgramConfig
	filter    *eventFilter
	subs      *subscriptionManager
	collector *metrics.Collector
	logger    *logrus.Logger

	events chan *ProgramEvent

	mu     sync.RWMutex
	status Status

	dial func(ctx context.Context, url string) (wsConn, error)
}

// wsConn is the subset of *websocket.Conn the client uses. Narrowed
// for tests.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// NewClient creates a subscriber client. The event channel is bounded
// by network.event_buffer_size; a full channel blocks the socket
// reader rather than dropping events.
func NewClient(cfg config.NetworkConfig, programs []config.ProgramConfig, filters config.FilterConfig, collector *metrics.Collector, logger *logrus.Logger) *Client {
	return &Client{
		cfg:       cfg,
		programs:  programs,
		filter:    newEventFilter(filters),
		subs:      newSubscriptionManager(),
		collector: collector,
		logger:    logger,
		events:    make(chan *ProgramEvent, cfg.EventBufferSize),
		status:    StatusDisconnected,
		dial: func(ctx context.Context, url string) (wsConn, error) {
			dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout()}
			conn, _, err := dialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Start opens the session and begins delivering events. The returned
// channel is closed when retries are exhausted or ctx is cancelled.
func (c *Client) Start(ctx context.Context) (<-chan *ProgramEvent, error) {
	if len(c.programs) == 0 {
		return nil, apperrors.E(apperrors.KindConfig, "subscriber.Start", "no programs configured", nil)
	}

	go c.run(ctx)
	return c.events, nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.events)

	attempt := 0
	firstSession := true
	var disconnectedAt time.Time

	for {
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return
		}

		if firstSession {
			c.setStatus(StatusConnecting)
		} else {
			c.setStatus(StatusReconnecting)
		}

		err := c.session(ctx, attempt, firstSession, disconnectedAt)
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return
		}

		if err == nil {
			// A session was established and later lost; the retry
			// budget starts over.
			attempt = 0
		}
		if err == nil || disconnectedAt.IsZero() {
			// Downtime is measured from the moment the stream went
			// down, not from the last failed retry.
			disconnectedAt = time.Now()
		}
		firstSession = false

		attempt++
		c.collector.RecordReconnectAttempt()
		if attempt > c.cfg.MaxReconnectAttempts {
			c.logger.WithField("attempts", attempt-1).Error("Max reconnect attempts reached, giving up")
			c.setStatus(StatusFailed)
			return
		}

		c.setStatus(StatusReconnecting)
		delay := reconnectDelay(c.cfg.ReconnectDelay(), attempt)
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     c.cfg.MaxReconnectAttempts,
			"delay":   delay.String(),
		}).Info("Reconnecting to upstream")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setStatus(StatusDisconnected)
			return
		}
	}
}

// session runs one connection: dial, subscribe, synthetic reconnect
// event (for every session after the first), then the read loop. A
// non-nil return before the read loop means the session never came up.
func (c *Client) session(ctx context.Context, attempts int, firstSession bool, disconnectedAt time.Time) error {
	conn, err := c.dial(ctx, c.cfg.WSURL)
	if err != nil {
		c.logger.WithError(err).Warn("Upstream dial failed")
		return apperrors.E(apperrors.KindTransport, "subscriber.connect", "dial failed", err)
	}
	defer conn.Close()

	// Unblock a pending read when the root context is cancelled.
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	c.subs.reset()
	if err := c.sendSubscriptions(conn); err != nil {
		c.logger.WithError(err).Warn("Upstream subscribe failed")
		return err
	}

	c.setStatus(StatusConnected)
	c.logger.WithField("url", c.cfg.WSURL).Info("Upstream connected")

	if !firstSession {
		// Downstream rules observe the discontinuity through a
		// synthetic event carrying the gap shape.
		downtime := time.Since(disconnectedAt)
		reconnectEvent := NewEvent("", EventTypeCustom, EventData{
			Custom: &CustomData{
				Name: "reconnect",
				Data: map[string]string{
					"attempts":    strconv.Itoa(attempts),
					"downtime_ms": strconv.FormatInt(downtime.Milliseconds(), 10),
				},
			},
		})
		if !c.deliver(ctx, reconnectEvent) {
			return nil
		}
	}

	readErr := c.readLoop(ctx, conn)
	if ctx.Err() == nil {
		c.logger.WithError(readErr).Warn("Upstream connection lost")
	}
	return nil
}

func (c *Client) sendSubscriptions(conn wsConn) error {
	commitment := map[string]interface{}{"commitment": "confirmed"}

	for _, program := range c.programs {
		if program.MonitorAccounts || program.MonitorTransactions {
			id := c.subs.track(program.ID, subscriptionProgram)
			frame := subscribeRequest{
				JSONRPC: "2.0",
				ID:      id,
				Method:  "programSubscribe",
				Params: []interface{}{
					program.ID,
					map[string]interface{}{"commitment": "confirmed", "encoding": "jsonParsed"},
				},
			}
			if err := c.writeJSON(conn, frame); err != nil {
				return err
			}
			c.logger.WithFields(logrus.Fields{
				"program": program.Name,
				"id":      program.ID,
			}).Info("Subscribed to program")
		}

		if program.MonitorLogs {
			id := c.subs.track(program.ID, subscriptionLogs)
			frame := subscribeRequest{
				JSONRPC: "2.0",
				ID:      id,
				Method:  "logsSubscribe",
				Params: []interface{}{
					map[string]interface{}{"mentions": []string{program.ID}},
					commitment,
				},
			}
			if err := c.writeJSON(conn, frame); err != nil {
				return err
			}
			c.logger.WithFields(logrus.Fields{
				"program": program.Name,
				"id":      program.ID,
			}).Info("Subscribed to program logs")
		}
	}
	return nil
}

func (c *Client) writeJSON(conn wsConn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.E(apperrors.KindDecode, "subscriber.subscribe", "marshal subscribe frame", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.E(apperrors.KindTransport, "subscriber.subscribe", "send subscribe frame", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn wsConn) error {
	dec := newDecoder(c.subs, c.programNames())

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return apperrors.E(apperrors.KindTransport, "subscriber.read", "read frame", err)
		}

		events, _, err := dec.decode(raw)
		if err != nil {
			// Malformed frames are dropped, never fatal.
			c.collector.RecordMalformedEvent()
			c.logger.WithError(err).Debug("Dropping malformed frame")
			continue
		}

		for _, event := range events {
			if !c.filter.allow(event) {
				continue
			}
			c.collector.RecordEvent(event.ProgramName, string(event.Type))
			if !c.deliver(ctx, event) {
				return ctx.Err()
			}
		}
	}
}

// deliver blocks on the bounded event channel, applying backpressure
// to the socket reader. Returns false once ctx is cancelled.
func (c *Client) deliver(ctx context.Context, event *ProgramEvent) bool {
	select {
	case c.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) programNames() map[string]string {
	names := make(map[string]string, len(c.programs))
	for _, p := range c.programs {
		names[p.ID] = p.Name
	}
	return names
}

// reconnectDelay computes the full-jitter backoff for an attempt:
// a uniform draw from [0, min(cap, base*2^(attempt-1))), so the first
// retry (attempt 1) waits less than base.
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	ceiling := base
	for i := 1; i < attempt && ceiling < maxReconnectDelay; i++ {
		ceiling *= 2
	}
	if ceiling > maxReconnectDelay {
		ceiling = maxReconnectDelay
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}
