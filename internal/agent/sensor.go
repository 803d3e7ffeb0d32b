package agent

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"tracknet.dev/livetrack/internal/track"
)

var errNoFix = errors.New("no valid GPS data found")

// SensorProvider reads NMEA sentences from a GPS receiver on a serial
// port. HDOP stands in for accuracy in meters, which is close enough
// for the suppression tiers.
type SensorProvider struct {
	port     string
	baudRate int
	interval time.Duration
	log      zerolog.Logger
}

func NewSensorProvider(port string, baudRate int, interval time.Duration, logger zerolog.Logger) *SensorProvider {
	return &SensorProvider{
		port:     port,
		baudRate: baudRate,
		interval: interval,
		log:      logger.With().Str("component", "sensor").Logger(),
	}
}

// Available opens and closes the port once, so a missing or busy GPS
// device fails agent startup instead of the first fix.
func (p *SensorProvider) Available() error {
	s, err := serial.OpenPort(&serial.Config{Name: p.port, Baud: p.baudRate})
	if err != nil {
		return err
	}
	return s.Close()
}

func (p *SensorProvider) CurrentFix(ctx context.Context) (*Fix, error) {
	s, err := serial.OpenPort(&serial.Config{Name: p.port, Baud: p.baudRate})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	scanner := bufio.NewScanner(s)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fix, ok := parseGGA(scanner.Text())
		if ok {
			return fix, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errNoFix
}

func (p *SensorProvider) Watch(ctx context.Context) (<-chan Fix, error) {
	s, err := serial.OpenPort(&serial.Config{Name: p.port, Baud: p.baudRate})
	if err != nil {
		return nil, err
	}
	out := make(chan Fix)
	go func() {
		defer close(out)
		defer s.Close()
		scanner := bufio.NewScanner(s)
		var last time.Time
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			fix, ok := parseGGA(scanner.Text())
			if !ok {
				continue
			}
			// Throttle to the sampling cadence; the receiver emits
			// sentences faster than we want to consider them.
			if !last.IsZero() && fix.Timestamp.Sub(last) < p.interval {
				continue
			}
			last = fix.Timestamp
			select {
			case out <- *fix:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			p.log.Error().Err(err).Msg("serial read failed")
		}
	}()
	return out, nil
}

func parseGGA(line string) (*Fix, bool) {
	if !strings.HasPrefix(line, "$GPGGA") {
		return nil, false
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		return nil, false
	}
	gga, ok := sentence.(nmea.GGA)
	if !ok {
		return nil, false
	}
	alt := gga.Altitude
	acc := gga.HDOP
	return &Fix{
		Coordinate: track.Coordinate{
			Latitude:  gga.Latitude,
			Longitude: gga.Longitude,
			Altitude:  &alt,
			Accuracy:  &acc,
		},
		Timestamp:    time.Now().UTC(),
		BatteryLevel: 100,
		NetworkType:  track.NetworkUnknown,
	}, true
}
