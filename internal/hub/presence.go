package hub

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"tracknet.dev/livetrack/internal/track"
)

// PresenceEntry exists exactly while a device connection is open. It is
// owned by the hub; nothing else mutates it.
type PresenceEntry struct {
	DeviceID string    `json:"device_id"`
	UserID   string    `json:"user_id"`
	ConnID   string    `json:"conn_id"`
	LastSeen time.Time `json:"last_seen"`
}

type presenceRegistry struct {
	entries cmap.ConcurrentMap[string, PresenceEntry]
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{entries: cmap.New[PresenceEntry]()}
}

func (p *presenceRegistry) put(e PresenceEntry) {
	p.entries.Set(e.DeviceID, e)
}

func (p *presenceRegistry) get(deviceID string) (PresenceEntry, bool) {
	return p.entries.Get(deviceID)
}

func (p *presenceRegistry) remove(deviceID string) {
	p.entries.Remove(deviceID)
}

func (p *presenceRegistry) online(deviceID string) bool {
	return p.entries.Has(deviceID)
}

// touch refreshes last-seen. Only the device's own session writes its
// entry, so a plain get/set does not race.
func (p *presenceRegistry) touch(deviceID string, t time.Time) {
	if e, ok := p.entries.Get(deviceID); ok {
		e.LastSeen = t
		p.entries.Set(deviceID, e)
	}
}

func (p *presenceRegistry) count() int {
	return p.entries.Count()
}

func (p *presenceRegistry) snapshot() []PresenceEntry {
	out := make([]PresenceEntry, 0, p.entries.Count())
	for _, e := range p.entries.Items() {
		out = append(out, e)
	}
	return out
}

// lastKnownCache keeps the most recent accepted sample per device while
// its connection is open. Entries are flushed to the device store and
// cleared on disconnect.
type lastKnownCache struct {
	samples cmap.ConcurrentMap[string, *track.LocationSample]
}

func newLastKnownCache() *lastKnownCache {
	return &lastKnownCache{samples: cmap.New[*track.LocationSample]()}
}

func (c *lastKnownCache) get(deviceID string) (*track.LocationSample, bool) {
	return c.samples.Get(deviceID)
}

func (c *lastKnownCache) set(deviceID string, s *track.LocationSample) {
	c.samples.Set(deviceID, s)
}

func (c *lastKnownCache) remove(deviceID string) {
	c.samples.Remove(deviceID)
}
