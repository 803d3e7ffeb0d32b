package relay

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
)

const subjectPrefix = "livetrack.bcast."

// Relay mirrors subscriber-bound frames between hub instances over
// NATS, so a user's devices and dashboards may land on different hubs.
// Frames carry the publishing hub's origin id; a hub never re-delivers
// its own frames.
type Relay struct {
	nc     *nats.Conn
	origin string
	log    log.Logger
	sub    *nats.Subscription
}

type envelope struct {
	Origin string          `json:"origin"`
	UserID string          `json:"user_id"`
	Frame  json.RawMessage `json:"frame"`
}

func Connect(url, origin string) (*Relay, error) {
	nc, err := nats.Connect(url, nats.Name("livetrack-hub"))
	if err != nil {
		return nil, err
	}
	r := &Relay{nc: nc, origin: origin}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "relay").Value()
	return r, nil
}

// Publish mirrors one broadcast frame to peer instances. Errors are
// logged only; relay loss must never break local fan-out.
func (r *Relay) Publish(userID string, frame []byte) {
	env, err := json.Marshal(envelope{Origin: r.origin, UserID: userID, Frame: frame})
	if err != nil {
		r.log.Error().Err(err).Msg("error encoding relay envelope")
		return
	}
	if err := r.nc.Publish(subjectPrefix+userID, env); err != nil {
		r.log.Error().Err(err).Msg("relay publish failed")
	}
}

// Start subscribes to all peers' broadcast frames and hands foreign
// ones to deliver.
func (r *Relay) Start(deliver func(userID string, frame []byte)) error {
	sub, err := r.nc.Subscribe(subjectPrefix+">", func(m *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			r.log.Error().Err(err).Msg("malformed relay envelope")
			return
		}
		if env.Origin == r.origin {
			return
		}
		deliver(env.UserID, env.Frame)
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.nc.Close()
}
