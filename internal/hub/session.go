package hub

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"

	"tracknet.dev/livetrack/internal/auth"
	"tracknet.dev/livetrack/internal/store"
	"tracknet.dev/livetrack/internal/track"
)

type sessionEventKind int

const (
	evUpdate sessionEventKind = iota
	evClose
)

type sessionEvent struct {
	kind   sessionEventKind
	sample *track.LocationSample
}

// DeviceSession is the per-connection actor for a device. All inbound
// events pass through one typed inbox, so the per-device state machine
// runs single-threaded and is testable without a network stack.
type DeviceSession struct {
	hub       *Hub
	id        *auth.Identity
	connID    string
	link      DeviceLink
	inbox     chan sessionEvent
	done      chan struct{}
	closeOnce sync.Once
	log       log.Logger
}

func newDeviceSession(h *Hub, id *auth.Identity, connID string, link DeviceLink) *DeviceSession {
	s := &DeviceSession{
		hub:    h,
		id:     id,
		connID: connID,
		link:   link,
		inbox:  make(chan sessionEvent, 16),
		done:   make(chan struct{}),
	}
	s.log = h.log
	s.log.Context = log.NewContext(nil).Str("module", "hub").Str("device_id", id.DeviceID).Str("conn_id", connID).Value()
	return s
}

// Dispatch queues one inbound location update. Blocks when the inbox is
// full, which backpressures the connection's read loop.
func (s *DeviceSession) Dispatch(sample *track.LocationSample) {
	select {
	case s.inbox <- sessionEvent{kind: evUpdate, sample: sample}:
	case <-s.done:
	}
}

// Close runs the disconnect flow and returns only after presence is
// deregistered and the cache entry flushed, so a fast reconnect never
// observes a stale online entry.
func (s *DeviceSession) Close() {
	s.closeOnce.Do(func() {
		select {
		case s.inbox <- sessionEvent{kind: evClose}:
		case <-s.done:
		}
	})
	<-s.done
}

func (s *DeviceSession) run() {
	for ev := range s.inbox {
		switch ev.kind {
		case evUpdate:
			s.handleUpdate(ev.sample)
		case evClose:
			s.handleClose()
			close(s.done)
			return
		}
	}
}

func (s *DeviceSession) handleUpdate(sample *track.LocationSample) {
	h := s.hub
	if !h.limiter.Allow(s.id.UserID) {
		h.emit(topicLocationThrottled, s.id.UserID)
		s.link.Send(EvRateLimited, ErrorEvent{Message: "Rate limit exceeded, update dropped"})
		return
	}

	// The sample belongs to the authenticated device, whatever the
	// payload claims.
	sample.DeviceID = s.id.DeviceID
	sample.ClampBattery()
	sample.NormalizeNetwork()

	res := h.validator.Validate(sample)
	if !res.Valid {
		h.emit(topicLocationRejected, res.Reason)
		s.log.Debug().Str("event", "sample_rejected").Str("reason", res.Reason).Msg("")
		s.link.Send(EvLocationError, ErrorEvent{Message: res.Reason})
		return
	}

	prev, _ := h.lastKnown.get(s.id.DeviceID)
	// Warnings are always recorded so degraded fixes stay auditable.
	persist := h.validator.ShouldPersist(prev, sample) || res.Warning != ""
	var locationID *string
	if persist {
		id := h.idgen.Next()
		h.history.SaveLocation(&store.LocationRecord{
			ID:         id,
			UserID:     s.id.UserID,
			DeviceID:   s.id.DeviceID,
			SessionID:  s.id.SessionID,
			Sample:     *sample,
			IsActive:   true,
			ServerTime: time.Now().UTC(),
		})
		locationID = &id
		h.emit(topicLocationPersisted, id)
	}

	// The cache and the store's last-known pointer track the latest
	// position even when the history write was skipped.
	h.lastKnown.set(s.id.DeviceID, sample)
	h.presence.touch(s.id.DeviceID, sample.Timestamp)
	h.asyncUpdateLastLocation(s.id.DeviceID, sample)

	h.emit(topicLocationAccepted, s.id.DeviceID)
	h.broadcast(s.id.UserID, EvLocationUpdated, LocationUpdated{
		UserID:     s.id.UserID,
		DeviceID:   s.id.DeviceID,
		IsTracking: true,
		IsOnline:   true,
		Location:   sample,
		Warning:    res.Warning,
	})
	s.link.Send(EvLocationSaved, SavedAck{
		Timestamp:  time.Now().UTC(),
		Saved:      persist,
		LocationID: locationID,
		Warning:    res.Warning,
	})
}

func (s *DeviceSession) handleClose() {
	h := s.hub
	// Only the current session for this device runs the disconnect
	// flow; an evicted predecessor just exits.
	current := h.sessions.RemoveCb(s.id.DeviceID, func(_ string, v *DeviceSession, exists bool) bool {
		return exists && v == s
	})
	if !current {
		s.log.Debug().Str("event", "session_superseded").Msg("")
		return
	}
	h.presence.remove(s.id.DeviceID)
	if last, ok := h.lastKnown.get(s.id.DeviceID); ok {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		if err := h.devices.UpdateLastLocation(ctx, s.id.DeviceID, last); err != nil {
			s.log.Error().Err(err).Msg("final location flush failed")
		}
		cancel()
		h.lastKnown.remove(s.id.DeviceID)
	}
	h.asyncSetStatus(s.id.DeviceID, store.DeviceStatus{IsOnline: false, IsTracking: false})
	ev := PresenceEvent{DeviceID: s.id.DeviceID, UserID: s.id.UserID, Timestamp: time.Now().UTC()}
	h.emit(topicDeviceOffline, ev)
	h.broadcast(s.id.UserID, EvDeviceOffline, ev)
	s.log.Info().Str("event", "device_disconnected").EmbedObject(s.id).Msg("")
}
