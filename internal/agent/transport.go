package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"tracknet.dev/livetrack/internal/hub"
)

type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one hub-pushed frame.
type Event struct {
	Type string
	Data json.RawMessage
}

// Transport carries frames to and from the hub. Reconnection and
// backoff live here; the agent only observes status transitions.
type Transport interface {
	Connect(ctx context.Context) error
	Send(event string, data interface{}) error
	Events() <-chan Event
	StatusChanges() <-chan Status
	Close() error
}

var (
	errNotConnected    = errors.New("transport not connected")
	errConnectFailed   = errors.New("connection failed permanently")
	errAlreadyStarted  = errors.New("transport already started")
	errTransportClosed = errors.New("transport closed")
)

type WSTransportConfig struct {
	URL        string
	Token      string
	DeviceID   string
	MaxRetries int
	BaseDelay  time.Duration
	MaxBackoff time.Duration
}

// WSTransport is the websocket transport with automatic reconnect and
// exponential backoff. Connect returns once the first connection (and
// handshake) is up; afterwards the run loop redials on failure until
// Close or the retry budget is spent.
type WSTransport struct {
	config WSTransportConfig
	log    zerolog.Logger

	mu   sync.Mutex
	c    *websocket.Conn
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	events    chan Event
	status    chan Status
	connected chan struct{}
	failed    chan struct{}
	started   bool
}

func NewWSTransport(config WSTransportConfig, logger zerolog.Logger) *WSTransport {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 10
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = time.Minute
	}
	return &WSTransport{
		config:    config,
		log:       logger.With().Str("component", "transport").Logger(),
		events:    make(chan Event, 16),
		status:    make(chan Status, 8),
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

func (t *WSTransport) Events() <-chan Event         { return t.events }
func (t *WSTransport) StatusChanges() <-chan Status { return t.status }

func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errAlreadyStarted
	}
	t.started = true
	t.ctx, t.stop = context.WithCancel(context.Background())
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run()

	select {
	case <-t.connected:
		return nil
	case <-t.failed:
		return errConnectFailed
	case <-ctx.Done():
		t.stop()
		return ctx.Err()
	}
}

func (t *WSTransport) run() {
	defer t.wg.Done()
	attempt := 0
	first := true
	for {
		if t.ctx.Err() != nil {
			return
		}
		t.pushStatus(statusFor(first, attempt))
		c, err := t.dial()
		if err != nil {
			attempt++
			t.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			if attempt >= t.config.MaxRetries {
				// Permanent failure is reported, never retried silently
				// forever.
				t.pushStatus(StatusError)
				close(t.failed)
				return
			}
			if !t.sleep(backoff(t.config.BaseDelay, t.config.MaxBackoff, attempt)) {
				return
			}
			continue
		}
		attempt = 0
		t.setConn(c)
		t.pushStatus(StatusConnected)
		if first {
			first = false
			close(t.connected)
		}
		t.readPump(c)
		t.setConn(nil)
		if t.ctx.Err() != nil {
			return
		}
		t.log.Info().Msg("connection lost, reconnecting")
	}
}

func (t *WSTransport) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(dialCtx, t.config.URL, nil)
	if err != nil {
		return nil, err
	}
	hs, _ := json.Marshal(map[string]string{
		"token":     t.config.Token,
		"device_id": t.config.DeviceID,
	})
	if err := c.Write(dialCtx, websocket.MessageText, hs); err != nil {
		c.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}
	return c, nil
}

func (t *WSTransport) readPump(c *websocket.Conn) {
	for {
		_, data, err := c.Read(t.ctx)
		if err != nil {
			return
		}
		var env hub.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Debug().Err(err).Msg("malformed frame from hub")
			continue
		}
		select {
		case t.events <- Event{Type: env.Type, Data: env.Data}:
		default:
			t.log.Warn().Str("type", env.Type).Msg("event inbox full, dropping")
		}
	}
}

func (t *WSTransport) Send(event string, data interface{}) error {
	t.mu.Lock()
	c := t.c
	t.mu.Unlock()
	if c == nil {
		return errNotConnected
	}
	frame, err := hub.MarshalEvent(event, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, frame)
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.stop()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c != nil {
		c.Close(websocket.StatusNormalClosure, "agent stopped")
	}
	t.wg.Wait()
	return nil
}

func (t *WSTransport) setConn(c *websocket.Conn) {
	t.mu.Lock()
	t.c = c
	t.mu.Unlock()
}

func (t *WSTransport) pushStatus(s Status) {
	select {
	case t.status <- s:
	default:
	}
}

func (t *WSTransport) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-t.ctx.Done():
		return false
	}
}

func statusFor(first bool, attempt int) Status {
	if first && attempt == 0 {
		return StatusConnecting
	}
	return StatusReconnecting
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	// Small jitter so a fleet of agents does not redial in lockstep.
	return d + time.Duration(rand.Int63n(int64(base)))
}
