package storage

import (
	_ "embed"
)

const (
	insertFlightSQL = `
INSERT INTO flights (started_at,
                     status,
                     start_lat,
                     start_lon,
                     start_alt,
                     dest_lat,
                     dest_lon,
                     dest_alt)
VALUES (?, 'in_progress', ?, ?, ?, ?, ?, ?)`

	finishFlightSQL = `
UPDATE flights
SET ended_at = ?,
    status   = ?,
    note     = ?
WHERE id = ?
  AND status = 'in_progress'`

	flightExistsSQL = `SELECT COUNT(1) FROM flights WHERE id = ?`

	selectFlightColumns = `
SELECT id,
       started_at,
       ended_at,
       status,
       note,
       start_lat,
       start_lon,
       start_alt,
       dest_lat,
       dest_lon,
       dest_alt
FROM flights`

	selectFlightSQL  = selectFlightColumns + ` WHERE id = ?`
	selectFlightsSQL = selectFlightColumns + ` ORDER BY id DESC`

	insertEventSQL = `
INSERT INTO flight_events (flight_id,
                           type,
                           created_at,
                           data)
VALUES (?, ?, ?, ?)`

	selectEventsSQL = `
SELECT id,
       flight_id,
       type,
       created_at,
       data
FROM flight_events
WHERE flight_id = ?
ORDER BY id`

	insertTelemetrySQL = `
INSERT OR IGNORE INTO telemetry (flight_id,
                                 frame_id,
                                 timestamp,
                                 lat,
                                 lon,
                                 alt,
                                 relative_alt,
                                 heading,
                                 groundspeed,
                                 battery_voltage,
                                 battery_current,
                                 battery_remaining,
                                 mode,
                                 armed)
VALUES `

	selectTelemetrySQL = `
SELECT flight_id,
       frame_id,
       timestamp,
       lat,
       lon,
       alt,
       relative_alt,
       heading,
       groundspeed,
       battery_voltage,
       battery_current,
       battery_remaining,
       mode,
       armed
FROM telemetry
WHERE flight_id = ?
ORDER BY frame_id`

	insertRawEventSQL = `
INSERT OR IGNORE INTO raw_events (flight_id,
                                  msg_type,
                                  time_boot_ms,
                                  time_unix_usec,
                                  timestamp,
                                  payload)
VALUES `

	selectRawEventsSQL = `
SELECT flight_id,
       msg_type,
       time_boot_ms,
       time_unix_usec,
       timestamp,
       payload
FROM raw_events
WHERE flight_id = ?
ORDER BY id
LIMIT ?`
)

const (
	telemetryPlaceholder = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	rawEventPlaceholder  = "(?, ?, ?, ?, ?, ?)"

	// maxRowsPerStatement keeps multi-row inserts under SQLite's bound variable limit.
	maxRowsPerStatement = 500
)

//go:embed schema.sql
var initSchemaSQL string
