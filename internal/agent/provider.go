package agent

import (
	"context"
	"time"

	"tracknet.dev/livetrack/internal/track"
)

// Fix is one raw reading from the positioning source.
type Fix struct {
	Coordinate   track.Coordinate
	Timestamp    time.Time
	BatteryLevel int
	NetworkType  track.NetworkType
}

// Sample converts the fix to the wire sample shape for deviceID.
func (f *Fix) Sample(deviceID string) *track.LocationSample {
	c := f.Coordinate
	return &track.LocationSample{
		DeviceID:     deviceID,
		Coordinates:  &c,
		Timestamp:    f.Timestamp,
		BatteryLevel: f.BatteryLevel,
		NetworkType:  f.NetworkType,
	}
}

// Provider abstracts the platform positioning source.
type Provider interface {
	// Available fails fast when positioning is not permitted or the
	// underlying service is disabled.
	Available() error
	// CurrentFix blocks for one immediate high-accuracy fix.
	CurrentFix(ctx context.Context) (*Fix, error)
	// Watch emits fixes continuously until ctx is cancelled. The
	// channel closes when watching stops.
	Watch(ctx context.Context) (<-chan Fix, error)
}
