package track

import (
	"time"

	"tracknet.dev/livetrack/internal/geo"
)

const (
	// Accuracy above this is accepted but flagged.
	lowAccuracyThreshold = 100.0
	// Samples older (or newer) than this are rejected outright.
	maxSampleAge = 5 * time.Minute
	// A sample is always persisted after this much silence, however
	// small the movement.
	forcePersistGap = 60 * time.Second
)

// persistTier selects the minimum movement/elapsed pair that makes a
// sample save-worthy, keyed by the reported accuracy of the new fix.
// Better fixes get finer-grained history.
type persistTier struct {
	maxAccuracy float64
	minDistance float64
	minElapsed  time.Duration
}

var persistTiers = []persistTier{
	{maxAccuracy: 10, minDistance: 2, minElapsed: 5 * time.Second},
	{maxAccuracy: 50, minDistance: 3, minElapsed: 8 * time.Second},
	{maxAccuracy: 0, minDistance: 5, minElapsed: 10 * time.Second},
}

// Validator holds the stateless accept/reject and persist-or-skip rules
// applied to every inbound sample.
type Validator struct {
	now func() time.Time
}

func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

const (
	reasonMissingCoordinates = "Location coordinates are required"
	reasonInvalidLatLon      = "Invalid latitude/longitude value"
	reasonStale              = "Location data too old"
	warnLowAccuracy          = "Location accuracy is low"
)

// Validate applies the acceptance rules to a raw sample. A low-accuracy
// fix is accepted with a warning, never rejected.
func (v *Validator) Validate(s *LocationSample) ValidationResult {
	if s.Coordinates == nil {
		return ValidationResult{Valid: false, Reason: reasonMissingCoordinates}
	}
	c := s.Coordinates
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return ValidationResult{Valid: false, Reason: reasonInvalidLatLon}
	}
	res := ValidationResult{Valid: true}
	if c.Accuracy != nil && *c.Accuracy > lowAccuracyThreshold {
		res.Warning = warnLowAccuracy
	}
	age := v.now().Sub(s.Timestamp)
	if age < 0 {
		age = -age
	}
	if age > maxSampleAge {
		return ValidationResult{Valid: false, Reason: reasonStale}
	}
	return res
}

// ShouldPersist decides whether next is save-worthy given the previous
// sample of the same device. The first sample of a connection epoch is
// always persisted, as is any sample after a one minute gap. Otherwise
// a sample is skipped only when both movement and elapsed time are
// below the tier thresholds for its accuracy.
func (v *Validator) ShouldPersist(prev, next *LocationSample) bool {
	if prev == nil || prev.Coordinates == nil || next.Coordinates == nil {
		return true
	}
	elapsed := next.Timestamp.Sub(prev.Timestamp)
	if elapsed > forcePersistGap {
		return true
	}
	dist := geo.Distance(prev.Coordinates.Latitude, prev.Coordinates.Longitude,
		next.Coordinates.Latitude, next.Coordinates.Longitude)
	tier := tierFor(next.Coordinates.Accuracy)
	return !(dist < tier.minDistance && elapsed < tier.minElapsed)
}

func tierFor(accuracy *float64) persistTier {
	if accuracy != nil {
		for _, t := range persistTiers[:2] {
			if *accuracy < t.maxAccuracy {
				return t
			}
		}
	}
	return persistTiers[2]
}
