package hub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/phuslu/log"

	"tracknet.dev/livetrack/internal/auth"
	"tracknet.dev/livetrack/internal/store"
	"tracknet.dev/livetrack/internal/track"
)

// Internal bus topics. Handlers feed the monitoring counters; the
// broadcast relay and any future audit sinks hang off the same bus.
const (
	topicDeviceOnline      = "device.online"
	topicDeviceOffline     = "device.offline"
	topicLocationAccepted  = "location.accepted"
	topicLocationRejected  = "location.rejected"
	topicLocationThrottled = "location.throttled"
	topicLocationPersisted = "location.persisted"
)

const storeOpTimeout = 5 * time.Second

// DeviceLink is the hub's handle back to a connected device. Send must
// enqueue without blocking; Kick force-closes the underlying transport.
type DeviceLink interface {
	Send(event string, data interface{})
	Kick(reason string)
}

// BroadcastRelay mirrors subscriber-bound frames to peer hub instances.
type BroadcastRelay interface {
	Publish(userID string, frame []byte)
}

type Config struct {
	RateLimit  int
	RateWindow time.Duration
}

func (c *Config) withDefaults() Config {
	out := Config{RateLimit: 60, RateWindow: time.Minute}
	if c != nil {
		if c.RateLimit > 0 {
			out.RateLimit = c.RateLimit
		}
		if c.RateWindow > 0 {
			out.RateWindow = c.RateWindow
		}
	}
	return out
}

// Hub owns the presence registry, last-known cache, rate limiter and
// broadcast groups, with lifecycle tied to its own Stop. Nothing here
// is ambient process state; two hubs in one process do not interfere.
type Hub struct {
	log       log.Logger
	origin    string
	validator *track.Validator
	limiter   *track.RateLimiter
	presence  *presenceRegistry
	lastKnown *lastKnownCache
	groups    *GroupMap
	sessions  cmap.ConcurrentMap[string, *DeviceSession]
	devices   store.DeviceStore
	history   store.LocationStore
	bus       *bus.Bus
	idgen     monoton.Monoton
	relay     BroadcastRelay

	accepted  uint64
	rejected  uint64
	throttled uint64
	persisted uint64
}

func New(devices store.DeviceStore, history store.LocationStore, cfg *Config) (*Hub, error) {
	conf := cfg.withDefaults()
	h := &Hub{
		origin:    uuid.New().String(),
		validator: track.NewValidator(),
		limiter:   track.NewRateLimiter(conf.RateLimit, conf.RateWindow),
		presence:  newPresenceRegistry(),
		lastKnown: newLastKnownCache(),
		groups:    NewGroupMap(),
		sessions:  cmap.New[*DeviceSession](),
		devices:   devices,
		history:   history,
	}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "hub").Value()

	m, err := monoton.New(sequencer.NewMillisecond(), 1, 0)
	if err != nil {
		return nil, err
	}
	h.idgen = m
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(topicDeviceOnline, topicDeviceOffline,
		topicLocationAccepted, topicLocationRejected,
		topicLocationThrottled, topicLocationPersisted)
	b.RegisterHandler("hub-stats", bus.Handler{
		Matcher: "^(device|location)\\..*",
		Handle: func(ctx context.Context, e bus.Event) {
			switch e.Topic {
			case topicLocationAccepted:
				atomic.AddUint64(&h.accepted, 1)
			case topicLocationRejected:
				atomic.AddUint64(&h.rejected, 1)
			case topicLocationThrottled:
				atomic.AddUint64(&h.throttled, 1)
			case topicLocationPersisted:
				atomic.AddUint64(&h.persisted, 1)
			}
		},
	})
	h.bus = b
	return h, nil
}

// Origin identifies this hub instance on the relay, so frames it
// published are not delivered back to its own groups.
func (h *Hub) Origin() string { return h.origin }

func (h *Hub) SetRelay(r BroadcastRelay) { h.relay = r }

// DeliverRemote feeds a relayed frame into the local subscriber group
// for userID. Called by the relay for frames from peer instances.
func (h *Hub) DeliverRemote(userID string, frame []byte) {
	if g, ok := h.groups.Get(userID, false); ok {
		g.Broadcast(frame)
	}
}

// RegisterDevice transitions an authenticated device connection to
// online: evicts any stale presence for the same device id, records
// presence, marks the device online in the store, announces it to the
// user's subscribers and asks the device for an immediate fix.
func (h *Hub) RegisterDevice(id *auth.Identity, connID string, link DeviceLink) *DeviceSession {
	if old, ok := h.sessions.Get(id.DeviceID); ok {
		// App restart without a clean disconnect: drop the stale entry
		// silently, the replacement connection carries on.
		h.log.Info().Str("event", "presence_evicted").EmbedObject(id).Str("conn_id", old.connID).Msg("replacing stale device connection")
		h.presence.remove(id.DeviceID)
		old.link.Kick("replaced by newer connection")
	}
	s := newDeviceSession(h, id, connID, link)
	h.sessions.Set(id.DeviceID, s)
	h.presence.put(PresenceEntry{DeviceID: id.DeviceID, UserID: id.UserID, ConnID: connID, LastSeen: time.Now().UTC()})
	h.asyncSetStatus(id.DeviceID, store.DeviceStatus{IsOnline: true, IsTracking: true})
	ev := PresenceEvent{DeviceID: id.DeviceID, UserID: id.UserID, Timestamp: time.Now().UTC()}
	h.emit(topicDeviceOnline, ev)
	h.broadcast(id.UserID, EvDeviceOnline, ev)
	link.Send(EvRequestLocation, struct{}{})
	h.log.Info().Str("event", "device_registered").EmbedObject(id).Str("conn_id", connID).Msg("")
	go s.run()
	return s
}

// RegisterSubscriber joins a dashboard connection to its user's group
// and hands it one initial_locations batch before any further events.
func (h *Hub) RegisterSubscriber(id *auth.Identity, sub Subscriber) *SubscriberSession {
	batch := h.snapshotLocations(id.UserID)
	frame, err := MarshalEvent(EvInitialLocations, batch)
	if err != nil {
		h.log.Error().Err(err).Msg("error encoding initial locations")
		frame = nil
	}
	g, _ := h.groups.Get(id.UserID, true)
	g.SubscribeWith(sub, frame)
	h.log.Info().Str("event", "subscriber_joined").EmbedObject(id).Int("devices", len(batch)).Msg("")
	return &SubscriberSession{hub: h, userID: id.UserID, sub: sub}
}

// snapshotLocations merges the external store's device list with live
// presence and cache state, for late-joining subscribers.
func (h *Hub) snapshotLocations(userID string) []LocationUpdated {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	recs, err := h.devices.ListDevices(ctx, userID)
	if err != nil {
		// Degrade to live cache only; a subscriber with no snapshot is
		// worse than one missing offline devices.
		h.log.Error().Err(err).Str("user_id", userID).Msg("device list query failed")
	}
	batch := make([]LocationUpdated, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		seen[rec.DeviceID] = true
		u := LocationUpdated{
			UserID:     userID,
			DeviceID:   rec.DeviceID,
			IsOnline:   rec.IsOnline,
			IsTracking: rec.IsTracking,
			Location:   rec.LastLocation,
		}
		if cached, ok := h.lastKnown.get(rec.DeviceID); ok {
			u.Location = cached
		}
		if h.presence.online(rec.DeviceID) {
			u.IsOnline = true
			u.IsTracking = true
		}
		batch = append(batch, u)
	}
	for _, e := range h.presence.snapshot() {
		if e.UserID != userID || seen[e.DeviceID] {
			continue
		}
		u := LocationUpdated{UserID: userID, DeviceID: e.DeviceID, IsOnline: true, IsTracking: true}
		if cached, ok := h.lastKnown.get(e.DeviceID); ok {
			u.Location = cached
		}
		batch = append(batch, u)
	}
	return batch
}

// Stop closes every device session, flushing caches and presence. Used
// on hub shutdown.
func (h *Hub) Stop() {
	for _, s := range h.sessions.Items() {
		s.Close()
	}
}

type Stats struct {
	OnlineDevices int    `json:"online_devices"`
	Subscribers   int    `json:"subscribers"`
	Accepted      uint64 `json:"accepted"`
	Rejected      uint64 `json:"rejected"`
	Throttled     uint64 `json:"throttled"`
	Persisted     uint64 `json:"persisted"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		OnlineDevices: h.presence.count(),
		Subscribers:   h.groups.SubscriberCount(),
		Accepted:      atomic.LoadUint64(&h.accepted),
		Rejected:      atomic.LoadUint64(&h.rejected),
		Throttled:     atomic.LoadUint64(&h.throttled),
		Persisted:     atomic.LoadUint64(&h.persisted),
	}
}

// Presence lists the currently open device connections.
func (h *Hub) Presence() []PresenceEntry {
	return h.presence.snapshot()
}

func (h *Hub) emit(topic string, data interface{}) {
	if err := h.bus.Emit(context.Background(), topic, data); err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("bus emit failed")
	}
}

func (h *Hub) broadcast(userID, event string, data interface{}) {
	frame, err := MarshalEvent(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("error encoding broadcast")
		return
	}
	if g, ok := h.groups.Get(userID, false); ok {
		g.Broadcast(frame)
	}
	if h.relay != nil {
		h.relay.Publish(userID, frame)
	}
}

func (h *Hub) asyncSetStatus(deviceID string, st store.DeviceStatus) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := h.devices.SetOnlineStatus(ctx, deviceID, st); err != nil {
			h.log.Error().Err(err).Str("device_id", deviceID).Msg("online status update failed")
		}
	}()
}

func (h *Hub) asyncUpdateLastLocation(deviceID string, s *track.LocationSample) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := h.devices.UpdateLastLocation(ctx, deviceID, s); err != nil {
			h.log.Error().Err(err).Str("device_id", deviceID).Msg("last location update failed")
		}
	}()
}

// SubscriberSession is the handle a subscriber connection holds until
// disconnect.
type SubscriberSession struct {
	hub    *Hub
	userID string
	sub    Subscriber
}

func (s *SubscriberSession) Close() {
	if g, ok := s.hub.groups.Get(s.userID, false); ok {
		g.Unsubscribe(s.sub)
	}
}
