package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"tracknet.dev/livetrack/internal/store"
)

// HistoryStore buffers location records in memory and flushes them to
// the history table with CopyFrom, either when the buffer fills or when
// the oldest buffered record exceeds MaxAgeFlush. SaveLocation never
// touches the database directly.
type HistoryStore struct {
	config *HistoryConfig
	cond   *sync.Cond
	wlock  *sync.Mutex
	rbuf   buffer
	wbuf   buffer
	dbc    *pgxpool.Conn
	dbp    *pgxpool.Pool
	log    log.Logger
	table  string
}

type HistoryConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []*store.LocationRecord
}

func new_buffer(seq uint64, size int) buffer {
	return buffer{seq: seq, buf: make([]*store.LocationRecord, 0, size)}
}

func NewHistoryStore(db *pgxpool.Pool, table string, config *HistoryConfig) *HistoryStore {
	o := &HistoryStore{}
	o.config = config
	o.table = table
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, config.BufSize)
	o.wlock = &sync.Mutex{}
	o.cond = sync.NewCond(&sync.Mutex{})
	return o
}

func (st *HistoryStore) Run() error {
	var err error
	st.dbc, err = st.dbp.Acquire(context.Background())
	if err != nil {
		return err
	}
	go st.timer_flusher()
	go st.handle()
	return nil
}

func (st *HistoryStore) timer_flusher() {
	ticker := time.NewTicker(st.config.TickerDur)
	for t := range ticker.C {
		st.wlock.Lock()
		if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
			st.flush()
		}
		st.wlock.Unlock()
	}
}

// SaveLocation implements store.LocationStore.
func (st *HistoryStore) SaveLocation(rec *store.LocationRecord) {
	st.wlock.Lock()
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, rec)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
}

func (st *HistoryStore) flush() {
	next := st.wbuf.seq + 1
	st.cond.L.Lock()
	st.rbuf = st.wbuf
	st.cond.L.Unlock()
	st.cond.Signal()
	st.wbuf = new_buffer(next, st.config.BufSize)
}

var historyColumns = []string{
	"id", "user_id", "device_id", "session_id",
	"latitude", "longitude", "altitude", "accuracy", "heading", "speed",
	"battery_level", "network_type", "is_active", "gps_time", "server_time",
}

func (st *HistoryStore) handle() {
	st.log.Info().Msg("starting flusher task")
	for {
		st.cond.L.Lock()
		st.cond.Wait()
		buf := st.rbuf
		st.cond.L.Unlock()
		t1 := time.Now()
		_, err := st.dbc.CopyFrom(context.Background(),
			pgx.Identifier{st.table}, historyColumns,
			pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
				r := buf.buf[i]
				c := r.Sample.Coordinates
				return []interface{}{
					r.ID, r.UserID, r.DeviceID, r.SessionID,
					c.Latitude, c.Longitude, c.Altitude, c.Accuracy, c.Heading, c.Speed,
					r.Sample.BatteryLevel, string(r.Sample.NetworkType), r.IsActive,
					r.Sample.Timestamp, r.ServerTime,
				}, nil
			}))
		if err != nil {
			st.log.Error().Err(err).Msg("flush error")
		} else {
			st.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
		}
	}
}
