package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"tracknet.dev/livetrack/internal/auth"
	"tracknet.dev/livetrack/internal/hub"
	"tracknet.dev/livetrack/internal/track"
)

const (
	outboxSize   = 64
	writeTimeout = 10 * time.Second
)

// client is one accepted websocket connection. It implements
// hub.DeviceLink and hub.Subscriber: outbound frames go through a
// bounded outbox and are dropped (counted) rather than ever blocking
// the hub.
type client struct {
	c       *websocket.Conn
	connID  string
	ident   *auth.Identity
	log     log.Logger
	outbox  chan []byte
	done    chan struct{}
	once    sync.Once
	closed  int32
	skipped uint64
}

func newClient(c *websocket.Conn, connID string, ident *auth.Identity, logger log.Logger) *client {
	cl := &client{
		c:      c,
		connID: connID,
		ident:  ident,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
	cl.log = logger
	cl.log.Context = log.NewContext(nil).Str("module", "server").Str("conn_id", connID).Value()
	return cl
}

func (cl *client) MarshalObject(e *log.Entry) {
	e.Str("conn_id", cl.connID).EmbedObject(cl.ident)
}

// Send implements hub.DeviceLink.
func (cl *client) Send(event string, data interface{}) {
	frame, err := hub.MarshalEvent(event, data)
	if err != nil {
		cl.log.Error().Err(err).Str("event", event).Msg("error encoding frame")
		return
	}
	cl.enqueue(frame)
}

// Push implements hub.Subscriber.
func (cl *client) Push(_ string, frame []byte) bool {
	if atomic.LoadInt32(&cl.closed) == 1 {
		return true
	}
	cl.enqueue(frame)
	return false
}

func (cl *client) enqueue(frame []byte) {
	select {
	case cl.outbox <- frame:
	default:
		// Slow consumer: drop rather than block the hub.
		atomic.AddUint64(&cl.skipped, 1)
	}
}

// Kick implements hub.DeviceLink.
func (cl *client) Kick(reason string) {
	cl.shutdown(websocket.StatusPolicyViolation, reason)
}

func (cl *client) shutdown(code websocket.StatusCode, reason string) {
	cl.once.Do(func() {
		atomic.StoreInt32(&cl.closed, 1)
		close(cl.done)
		cl.c.Close(code, reason)
	})
}

func (cl *client) writeLoop() {
	for {
		select {
		case frame := <-cl.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := cl.c.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				cl.log.Debug().Err(err).Msg("write failed, closing connection")
				cl.shutdown(websocket.StatusNormalClosure, "")
				return
			}
		case <-cl.done:
			return
		}
	}
}

// readLoopDevice decodes inbound envelopes and feeds location updates
// into the session inbox. Returns when the connection dies.
func (cl *client) readLoopDevice(sess *hub.DeviceSession) {
	for {
		_, data, err := cl.c.Read(context.Background())
		if err != nil {
			return
		}
		var env hub.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			cl.log.Debug().Err(err).Msg("malformed frame")
			cl.Send(hub.EvLocationError, hub.ErrorEvent{Message: "Malformed frame"})
			continue
		}
		switch env.Type {
		case hub.EvLocationUpdate:
			var sample track.LocationSample
			if err := json.Unmarshal(env.Data, &sample); err != nil {
				cl.log.Debug().Err(err).Msg("malformed location update")
				cl.Send(hub.EvLocationError, hub.ErrorEvent{Message: "Malformed location update"})
				continue
			}
			sess.Dispatch(&sample)
		default:
			cl.log.Debug().Str("type", env.Type).Msg("ignoring unknown event type")
		}
	}
}

// readLoopSubscriber drains the connection until it dies. Subscribers
// only receive; inbound frames are ignored.
func (cl *client) readLoopSubscriber() {
	for {
		if _, _, err := cl.c.Read(context.Background()); err != nil {
			return
		}
	}
}
