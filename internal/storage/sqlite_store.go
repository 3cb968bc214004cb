package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/telemetry"
)

// SqliteStore implements Store on a SQLite file. Writes go through a single
// connection; reads use a separate read-only pool.
type SqliteStore struct {
	dbPath      string
	busyTimeout time.Duration
	now         func() time.Time

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*SqliteStore)(nil)

// SqliteOption configures a SqliteStore.
type SqliteOption func(*SqliteStore)

// WithBusyTimeout sets how long SQLite waits on a locked database.
func WithBusyTimeout(d time.Duration) SqliteOption {
	return func(s *SqliteStore) { s.busyTimeout = d }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) SqliteOption {
	return func(s *SqliteStore) { s.now = now }
}

// NewSqliteStore creates a store for dbPath. The file and schema are created on
// first write.
func NewSqliteStore(dbPath string, opts ...SqliteOption) *SqliteStore {
	s := &SqliteStore{dbPath: dbPath, busyTimeout: 5 * time.Second, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) dsn(params string) string {
	return fmt.Sprintf("file:%s?%s&_busy_timeout=%d", s.dbPath, params, s.busyTimeout.Milliseconds())
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", s.dsn("_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1)

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		// the schema must exist before a read-only connection can see it
		if _, err := s.getWriteDB(); err != nil {
			s.readDBErr = err
			return
		}
		db, err := sql.Open("sqlite3", s.dsn("mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// CreateFlight opens a new in-progress flight and returns its id.
func (s *SqliteStore) CreateFlight(ctx context.Context, start, dest geo.Coordinate) (id int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return 0, fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertFlightSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, s.now().UTC(),
		start.Lat, start.Lon, start.Alt,
		dest.Lat, dest.Lon, dest.Alt,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting flight: %w", err)
	}
	return result.LastInsertId()
}

// AddEvent appends an event to the flight timeline. data is stored as JSON.
func (s *SqliteStore) AddEvent(ctx context.Context, flightID int64, eventType string, data any) (err error) {
	payload, err := toJSONText(data)
	if err != nil {
		return err
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	if _, err = db.ExecContext(ctx, insertEventSQL, flightID, eventType, s.now().UTC(), payload); err != nil {
		return fmt.Errorf("inserting %s event: %w", eventType, err)
	}
	return nil
}

// FinishFlight sets the terminal status once. Later calls return ErrFlightFinished.
func (s *SqliteStore) FinishFlight(ctx context.Context, flightID int64, status FlightStatus, note string) (err error) {
	if !status.Terminal() {
		return fmt.Errorf("finish flight %d: %q is not a terminal status", flightID, status)
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	result, err := db.ExecContext(ctx, finishFlightSQL, s.now().UTC(), string(status), note, flightID)
	if err != nil {
		return fmt.Errorf("finishing flight %d: %w", flightID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing flight %d: %w", flightID, err)
	}
	if n == 1 {
		return nil
	}

	var count int
	if err = db.QueryRowContext(ctx, flightExistsSQL, flightID).Scan(&count); err != nil {
		return fmt.Errorf("checking flight %d: %w", flightID, err)
	}
	if count == 0 {
		return fmt.Errorf("flight %d: %w", flightID, ErrNotFound)
	}
	return fmt.Errorf("flight %d: %w", flightID, ErrFlightFinished)
}

// AddTelemetryMany stores rows in one transaction. Rows repeating a frame id of the
// flight are ignored.
func (s *SqliteStore) AddTelemetryMany(ctx context.Context, flightID int64, rows []telemetry.TelemetryRow) (err error) {
	if len(rows) == 0 {
		return nil
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	for _, c := range chunks(len(rows), maxRowsPerStatement) {
		batch := rows[c[0]:c[1]]
		values := make([]any, 0, len(batch)*14)

		var sb strings.Builder
		sb.WriteString(insertTelemetrySQL)
		for i, r := range batch {
			values = append(values,
				flightID,
				r.FrameID,
				r.Timestamp.UTC(),
				r.Lat,
				r.Lon,
				r.Alt,
				r.RelativeAlt,
				r.Heading,
				r.Groundspeed,
				r.BatteryVoltage,
				r.BatteryCurrent,
				r.BatteryRemaining,
				r.Mode,
				r.Armed,
			)
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(telemetryPlaceholder)
		}

		if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
			return fmt.Errorf("batch inserting telemetry: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AddRawEventsMany stores events in one transaction and returns how many were new.
// The FlightID of every event is replaced by flightID.
func (s *SqliteStore) AddRawEventsMany(ctx context.Context, flightID int64, events []RawEvent) (stored int, err error) {
	if len(events) == 0 {
		return 0, nil
	}

	db, err := s.getWriteDB()
	if err != nil {
		return 0, fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	var total int64
	for _, c := range chunks(len(events), maxRowsPerStatement) {
		batch := events[c[0]:c[1]]
		values := make([]any, 0, len(batch)*6)

		var sb strings.Builder
		sb.WriteString(insertRawEventSQL)
		for i, ev := range batch {
			values = append(values,
				flightID,
				ev.MsgType,
				toNullInt64(ev.TimeBootMs),
				toNullInt64(ev.TimeUnixUsec),
				toNullTime(ev.Timestamp),
				string(ev.Payload),
			)
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(rawEventPlaceholder)
		}

		result, execErr := tx.ExecContext(ctx, sb.String(), values...)
		if execErr != nil {
			return 0, fmt.Errorf("batch inserting raw events: %w", execErr)
		}
		n, rErr := result.RowsAffected()
		if rErr != nil {
			return 0, fmt.Errorf("counting raw events: %w", rErr)
		}
		total += n
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int(total), nil
}

// AddRawEvent stores a single event. Duplicates are ignored.
func (s *SqliteStore) AddRawEvent(ctx context.Context, ev RawEvent) error {
	_, err := s.AddRawEventsMany(ctx, ev.FlightID, []RawEvent{ev})
	return err
}

// Flight returns one flight.
func (s *SqliteStore) Flight(ctx context.Context, id int64) (*Flight, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	f, err := scanFlight(db.QueryRowContext(ctx, selectFlightSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flight %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning flight: %w", err)
	}
	return f, nil
}

// Flights returns every flight, newest first.
func (s *SqliteStore) Flights(ctx context.Context) (flights []Flight, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectFlightsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying flights: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		f, sErr := scanFlight(rows)
		if sErr != nil {
			return nil, fmt.Errorf("scanning flight: %w", sErr)
		}
		flights = append(flights, *f)
	}
	return flights, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlight(row scanner) (*Flight, error) {
	var (
		f      Flight
		ended  sql.NullTime
		status string
	)
	err := row.Scan(&f.ID, &f.StartedAt, &ended, &status, &f.Note,
		&f.Start.Lat, &f.Start.Lon, &f.Start.Alt,
		&f.Destination.Lat, &f.Destination.Lon, &f.Destination.Alt,
	)
	if err != nil {
		return nil, err
	}
	f.Status = FlightStatus(status)
	f.EndedAt = fromNullTime(ended)
	return &f, nil
}

// Events returns the flight timeline in insertion order.
func (s *SqliteStore) Events(ctx context.Context, flightID int64) (events []FlightEvent, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectEventsSQL, flightID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			ev   FlightEvent
			data sql.NullString
		)
		if err = rows.Scan(&ev.ID, &ev.FlightID, &ev.Type, &ev.CreatedAt, &data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if data.Valid {
			ev.Data = []byte(data.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RawEvents returns up to limit captured events of a flight in arrival order.
func (s *SqliteStore) RawEvents(ctx context.Context, flightID int64, limit int) (events []RawEvent, err error) {
	if limit <= 0 {
		limit = -1
	}
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectRawEventsSQL, flightID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying raw events: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			ev       RawEvent
			bootMs   sql.NullInt64
			unixUsec sql.NullInt64
			ts       sql.NullTime
			payload  string
		)
		if err = rows.Scan(&ev.FlightID, &ev.MsgType, &bootMs, &unixUsec, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scanning raw event: %w", err)
		}
		ev.TimeBootMs = fromNullInt64(bootMs)
		ev.TimeUnixUsec = fromNullInt64(unixUsec)
		ev.Timestamp = fromNullTime(ts)
		ev.Payload = []byte(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Telemetry returns the recorded samples of a flight ordered by frame id.
func (s *SqliteStore) Telemetry(ctx context.Context, flightID int64) (out []telemetry.TelemetryRow, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectTelemetrySQL, flightID)
	if err != nil {
		return nil, fmt.Errorf("querying telemetry: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			r    telemetry.TelemetryRow
			mode sql.NullString
		)
		if err = rows.Scan(&r.FlightID, &r.FrameID, &r.Timestamp,
			&r.Lat, &r.Lon, &r.Alt, &r.RelativeAlt, &r.Heading, &r.Groundspeed,
			&r.BatteryVoltage, &r.BatteryCurrent, &r.BatteryRemaining, &mode, &r.Armed,
		); err != nil {
			return nil, fmt.Errorf("scanning telemetry: %w", err)
		}
		r.Mode = mode.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes both connections.
func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})
	return s.closeErr
}
