package logstore

import (
	"github.com/rs/zerolog/log"

	"tracknet.dev/livetrack/internal/store"
)

// LogStore is a history sink for running the hub without a database:
// every record is written to the log and nowhere else.
type LogStore struct {
}

func NewStore() *LogStore {
	return &LogStore{}
}

func (l *LogStore) SaveLocation(rec *store.LocationRecord) {
	c := rec.Sample.Coordinates
	log.Info().Str("id", rec.ID).Str("device_id", rec.DeviceID).Str("user_id", rec.UserID).
		Float64("lat", c.Latitude).Float64("lon", c.Longitude).
		Int("battery", rec.Sample.BatteryLevel).Time("gps_time", rec.Sample.Timestamp).
		Msg("location record")
}
