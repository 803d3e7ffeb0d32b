package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"tracknet.dev/livetrack/internal/store"
	"tracknet.dev/livetrack/internal/track"
)

// DeviceStore implements store.DeviceStore and store.TokenVerifier
// against the device/session tables. The last known location is kept
// as a jsonb column so the schema never lags the sample shape.
type DeviceStore struct {
	db  *pgxpool.Pool
	log log.Logger
}

func NewDeviceStore(db *pgxpool.Pool) *DeviceStore {
	d := &DeviceStore{db: db}
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "device_store").Value()
	return d
}

func (d *DeviceStore) VerifyToken(ctx context.Context, token string) (string, error) {
	var userID string
	row := d.db.QueryRow(ctx, `SELECT user_id FROM session
		WHERE ws_token = $1 AND valid_until > NOW()`, token)
	err := row.Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (d *DeviceStore) FindDevice(ctx context.Context, userID, deviceID string) (*store.DeviceRecord, error) {
	rec := store.DeviceRecord{}
	var lastLoc []byte
	row := d.db.QueryRow(ctx, `SELECT device_id, user_id, name, is_online, is_tracking, last_location
		FROM device WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
	err := row.Scan(&rec.DeviceID, &rec.UserID, &rec.Name, &rec.IsOnline, &rec.IsTracking, &lastLoc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.LastLocation = decodeLastLocation(lastLoc, d.log)
	return &rec, nil
}

func (d *DeviceStore) FindSessionID(ctx context.Context, userID, deviceID string) (string, error) {
	var sessionID string
	row := d.db.QueryRow(ctx, `SELECT session_id FROM session
		WHERE user_id = $1 AND device_id = $2 AND valid_until > NOW()
		ORDER BY created_at DESC LIMIT 1`, userID, deviceID)
	err := row.Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

func (d *DeviceStore) ListDevices(ctx context.Context, userID string) ([]store.DeviceRecord, error) {
	rows, err := d.db.Query(ctx, `SELECT device_id, user_id, name, is_online, is_tracking, last_location
		FROM device WHERE user_id = $1 ORDER BY device_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []store.DeviceRecord{}
	for rows.Next() {
		rec := store.DeviceRecord{}
		var lastLoc []byte
		if err := rows.Scan(&rec.DeviceID, &rec.UserID, &rec.Name, &rec.IsOnline, &rec.IsTracking, &lastLoc); err != nil {
			return nil, err
		}
		rec.LastLocation = decodeLastLocation(lastLoc, d.log)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *DeviceStore) UpdateLastLocation(ctx context.Context, deviceID string, s *track.LocationSample) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(ctx, `UPDATE device SET last_location = $2::jsonb, last_seen = NOW()
		WHERE device_id = $1`, deviceID, raw)
	return err
}

func (d *DeviceStore) SetOnlineStatus(ctx context.Context, deviceID string, st store.DeviceStatus) error {
	_, err := d.db.Exec(ctx, `UPDATE device SET is_online = $2, is_tracking = $3
		WHERE device_id = $1`, deviceID, st.IsOnline, st.IsTracking)
	return err
}

func decodeLastLocation(raw []byte, logger log.Logger) *track.LocationSample {
	if len(raw) == 0 {
		return nil
	}
	s := &track.LocationSample{}
	if err := json.Unmarshal(raw, s); err != nil {
		logger.Warn().Err(err).Msg("undecodable last_location, ignoring")
		return nil
	}
	return s
}
