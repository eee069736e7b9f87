// Package store manages the SQLite database that buffers sensor data points
// and sync bookkeeping on the device.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. Entities are returned as plain
// value records; all mutation goes through store methods.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"sensorbridge/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sensors (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    source           TEXT    NOT NULL,
    name             TEXT    NOT NULL,
    user_id          TEXT    NOT NULL,
    data_type        TEXT    NOT NULL,
    meta             TEXT,
    upload_enabled   INTEGER,
    download_enabled INTEGER,
    persist_locally  INTEGER,
    remote_id        TEXT    NOT NULL DEFAULT '',
    synced           INTEGER NOT NULL DEFAULT 0,
    remote_data_points_downloaded INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sensor_identity ON sensors (source, name, user_id);

CREATE TABLE IF NOT EXISTS sources (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT    NOT NULL UNIQUE,
    meta        TEXT    NOT NULL DEFAULT '',
    device_uuid TEXT    NOT NULL DEFAULT '',
    remote_id   TEXT    NOT NULL DEFAULT '',
    synced      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS data_points (
    sensor_id        INTEGER NOT NULL,
    timestamp        INTEGER NOT NULL,
    value_type       TEXT    NOT NULL,
    value            TEXT    NOT NULL,
    exists_in_remote INTEGER NOT NULL DEFAULT 0,
    requires_deletion_in_remote INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (sensor_id, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_data_points_timestamp ON data_points (timestamp);

CREATE TABLE IF NOT EXISTS deletion_requests (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    source_name TEXT NOT NULL,
    sensor_name TEXT NOT NULL,
    start_time  INTEGER,
    end_time    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_deletion_requests_user_source ON deletion_requests (user_id, source_name);
`

// Defaulter resolves the default policy for a sensor name at creation
// time. Implemented by [profile.Registry].
type Defaulter interface {
	DefaultOptions(sensorName string) model.SensorOptions
}

// Store is the SQLite-backed local store.
type Store struct {
	db       *sql.DB
	userID   string
	defaults Defaulter
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode. userID scopes sensor identity; defaults, when
// non-nil, supplies per-sensor default options at creation time.
//
// The store is a scoped resource: callers must Close it on all exit paths.
func Open(path, userID string, defaults Defaulter) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, userID: userID, defaults: defaults}, nil
}

// Close flushes pending writes and releases the database connection.
func (s *Store) Close() error {
	// WAL checkpoint flushes the log into the main database file before
	// the connection goes away.
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil && !errors.Is(err, sql.ErrConnDone) {
		_ = s.db.Close()
		return fmt.Errorf("checkpointing database: %w", err)
	}
	return s.db.Close()
}

// UserID returns the owning user this store is scoped to.
func (s *Store) UserID() string { return s.userID }

// --- sensors -----------------------------------------------------------------

const sensorColumns = `id, source, name, user_id, data_type, meta,
       upload_enabled, download_enabled, persist_locally,
       remote_id, synced, remote_data_points_downloaded`

// CreateSensor stores a new sensor for the given source and name. Options
// are merged over the registry defaults for the sensor name: explicit
// fields win, unset fields inherit. Returns [ErrSensorExists] if the
// (source, name, user) identity is already taken.
func (s *Store) CreateSensor(ctx context.Context, source, name string, dataType model.ValueKind, opts model.SensorOptions) (*model.Sensor, error) {
	if s.defaults != nil {
		opts = model.Merge(s.defaults.DefaultOptions(name), opts)
	}

	const q = `
		INSERT INTO sensors (source, name, user_id, data_type, meta,
		    upload_enabled, download_enabled, persist_locally)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		source, name, s.userID, string(dataType),
		opts.Meta, boolToNull(opts.UploadEnabled),
		boolToNull(opts.DownloadEnabled), boolToNull(opts.PersistLocally),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("sensor %s/%s: %w", source, name, ErrSensorExists)
		}
		return nil, fmt.Errorf("creating sensor %s/%s: %w", source, name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading sensor id: %w", err)
	}
	return &model.Sensor{
		ID:       id,
		Source:   source,
		Name:     name,
		UserID:   s.userID,
		DataType: dataType,
		Options:  opts,
	}, nil
}

// GetSensor returns the sensor with the given source and name, or
// [ErrSensorNotFound].
func (s *Store) GetSensor(ctx context.Context, source, name string) (*model.Sensor, error) {
	q := `SELECT ` + sensorColumns + ` FROM sensors WHERE source = ? AND name = ? AND user_id = ?`
	row := s.db.QueryRowContext(ctx, q, source, name, s.userID)
	sensor, err := scanSensor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sensor %s/%s: %w", source, name, ErrSensorNotFound)
	}
	return sensor, err
}

// GetSensors returns all sensors registered under the given source.
func (s *Store) GetSensors(ctx context.Context, source string) ([]model.Sensor, error) {
	q := `SELECT ` + sensorColumns + ` FROM sensors WHERE source = ? AND user_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, source, s.userID)
	if err != nil {
		return nil, fmt.Errorf("querying sensors for %q: %w", source, err)
	}
	defer func() { _ = rows.Close() }()

	var sensors []model.Sensor
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		sensors = append(sensors, *sensor)
	}
	return sensors, rows.Err()
}

// GetSources returns the distinct source names that have sensors. Order is
// unspecified.
func (s *Store) GetSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT source FROM sensors WHERE user_id = ?`, s.userID)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning source name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// SetSensorOptions merges the non-nil fields of opts into the stored
// options and clears the synced flag.
func (s *Store) SetSensorOptions(ctx context.Context, source, name string, opts model.SensorOptions) error {
	sensor, err := s.GetSensor(ctx, source, name)
	if err != nil {
		return err
	}
	merged := model.Merge(sensor.Options, opts)

	const q = `
		UPDATE sensors SET meta = ?, upload_enabled = ?, download_enabled = ?,
		    persist_locally = ?, synced = 0
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q,
		merged.Meta, boolToNull(merged.UploadEnabled),
		boolToNull(merged.DownloadEnabled), boolToNull(merged.PersistLocally),
		sensor.ID,
	); err != nil {
		return fmt.Errorf("updating options for sensor %s/%s: %w", source, name, err)
	}
	return nil
}

// SetSensorSynced records whether the sensor's options match remote.
func (s *Store) SetSensorSynced(ctx context.Context, sensorID int64, synced bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sensors SET synced = ? WHERE id = ?`, boolToInt(synced), sensorID); err != nil {
		return fmt.Errorf("updating synced flag for sensor %d: %w", sensorID, err)
	}
	return nil
}

// SetSensorRemoteID records the identifier the cloud service assigned.
func (s *Store) SetSensorRemoteID(ctx context.Context, sensorID int64, remoteID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sensors SET remote_id = ? WHERE id = ?`, remoteID, sensorID); err != nil {
		return fmt.Errorf("updating remote id for sensor %d: %w", sensorID, err)
	}
	return nil
}

// SetRemoteDataPointsDownloaded marks the sensor's one-time historical
// backfill as completed.
func (s *Store) SetRemoteDataPointsDownloaded(ctx context.Context, sensorID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sensors SET remote_data_points_downloaded = 1 WHERE id = ?`, sensorID); err != nil {
		return fmt.Errorf("marking backfill done for sensor %d: %w", sensorID, err)
	}
	return nil
}

// --- data points -------------------------------------------------------------

const upsertPointSQL = `
	INSERT INTO data_points (sensor_id, timestamp, value_type, value, exists_in_remote)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(sensor_id, timestamp) DO UPDATE SET
	    value_type       = excluded.value_type,
	    value            = excluded.value,
	    exists_in_remote = excluded.exists_in_remote`

// UpsertDataPoint inserts or overwrites the point at (sensorID, timestamp).
func (s *Store) UpsertDataPoint(ctx context.Context, sensorID int64, value model.Value, timestamp int64, existsInRemote bool) error {
	_, err := s.db.ExecContext(ctx, upsertPointSQL,
		sensorID, timestamp, string(value.Kind()), value.Raw(), boolToInt(existsInRemote))
	if err != nil {
		return fmt.Errorf("upserting point (%d, %d): %w", sensorID, timestamp, err)
	}
	return nil
}

// UpsertDataPoints applies a batch of upserts in one transaction, so
// readers never observe a partially applied batch.
func (s *Store) UpsertDataPoints(ctx context.Context, points []model.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertPointSQL)
	if err != nil {
		return fmt.Errorf("preparing batch upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			p.SensorID, p.Timestamp, string(p.Value.Kind()), p.Value.Raw(),
			boolToInt(p.ExistsInRemote)); err != nil {
			return fmt.Errorf("upserting point (%d, %d): %w", p.SensorID, p.Timestamp, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch upsert: %w", err)
	}
	return nil
}

// GetDataPoints returns the sensor's points narrowed by q: half-open
// [Start, End) time range, remote-presence filter, sort order, and limit.
// Fewer rows than the limit is not an error; a negative limit is
// [ErrInvalidLimit].
func (s *Store) GetDataPoints(ctx context.Context, sensorID int64, q model.QueryOptions) ([]model.DataPoint, error) {
	if q.Limit != nil && *q.Limit < 0 {
		return nil, fmt.Errorf("limit %d: %w", *q.Limit, ErrInvalidLimit)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT sensor_id, timestamp, value_type, value, exists_in_remote, requires_deletion_in_remote
		FROM data_points WHERE sensor_id = ?`)
	args := []any{sensorID}

	if q.Start != nil {
		sb.WriteString(` AND timestamp >= ?`)
		args = append(args, *q.Start)
	}
	if q.End != nil {
		sb.WriteString(` AND timestamp < ?`)
		args = append(args, *q.End)
	}
	if q.ExistsInRemote != nil {
		sb.WriteString(` AND exists_in_remote = ?`)
		args = append(args, boolToInt(*q.ExistsInRemote))
	}
	if q.Sort == model.SortDesc {
		sb.WriteString(` ORDER BY timestamp DESC`)
	} else {
		sb.WriteString(` ORDER BY timestamp ASC`)
	}
	if q.Limit != nil {
		sb.WriteString(` LIMIT ?`)
		args = append(args, *q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying points for sensor %d: %w", sensorID, err)
	}
	defer func() { _ = rows.Close() }()

	var points []model.DataPoint
	for rows.Next() {
		var p model.DataPoint
		var kind, raw string
		var inRemote, requiresDel int
		if err := rows.Scan(&p.SensorID, &p.Timestamp, &kind, &raw, &inRemote, &requiresDel); err != nil {
			return nil, fmt.Errorf("scanning point row: %w", err)
		}
		p.Value = model.RestoreValue(model.ValueKind(kind), raw)
		p.ExistsInRemote = inRemote != 0
		p.RequiresDeletionInRemote = requiresDel != 0
		points = append(points, p)
	}
	return points, rows.Err()
}

// DeleteDataPoints removes the sensor's points in the half-open range
// [start, end) and returns the number of points removed. Either bound may
// be nil for open-ended; both nil removes every point for the sensor.
func (s *Store) DeleteDataPoints(ctx context.Context, sensorID int64, start, end *int64) (int64, error) {
	var sb strings.Builder
	sb.WriteString(`DELETE FROM data_points WHERE sensor_id = ?`)
	args := []any{sensorID}
	if start != nil {
		sb.WriteString(` AND timestamp >= ?`)
		args = append(args, *start)
	}
	if end != nil {
		sb.WriteString(` AND timestamp < ?`)
		args = append(args, *end)
	}
	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting points for sensor %d: %w", sensorID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted points for sensor %d: %w", sensorID, err)
	}
	return n, nil
}

// --- sources -----------------------------------------------------------------

// CreateSource stores a new source record.
func (s *Store) CreateSource(ctx context.Context, src model.Source) (*model.Source, error) {
	const q = `
		INSERT INTO sources (name, meta, device_uuid, remote_id, synced)
		VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		src.Name, src.Meta, src.DeviceUUID, src.RemoteID, boolToInt(src.Synced))
	if err != nil {
		return nil, fmt.Errorf("creating source %q: %w", src.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading source id: %w", err)
	}
	src.ID = id
	return &src, nil
}

// GetSource returns the source with the given name, or [ErrSourceNotFound].
func (s *Store) GetSource(ctx context.Context, name string) (*model.Source, error) {
	const q = `SELECT id, name, meta, device_uuid, remote_id, synced FROM sources WHERE name = ?`
	var src model.Source
	var synced int
	err := s.db.QueryRowContext(ctx, q, name).Scan(
		&src.ID, &src.Name, &src.Meta, &src.DeviceUUID, &src.RemoteID, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %q: %w", name, ErrSourceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying source %q: %w", name, err)
	}
	src.Synced = synced != 0
	return &src, nil
}

// ListSources returns all stored source records.
func (s *Store) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, meta, device_uuid, remote_id, synced FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []model.Source
	for rows.Next() {
		var src model.Source
		var synced int
		if err := rows.Scan(&src.ID, &src.Name, &src.Meta, &src.DeviceUUID, &src.RemoteID, &synced); err != nil {
			return nil, fmt.Errorf("scanning source row: %w", err)
		}
		src.Synced = synced != 0
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// --- deletion requests -------------------------------------------------------

// CreateDeletionRequest queues a remote deletion. A generated ID is
// assigned and returned on the stored record.
func (s *Store) CreateDeletionRequest(ctx context.Context, req model.DataDeletionRequest) (*model.DataDeletionRequest, error) {
	req.ID = uuid.NewString()
	if req.UserID == "" {
		req.UserID = s.userID
	}
	const q = `
		INSERT INTO deletion_requests (id, user_id, source_name, sensor_name, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		req.ID, req.UserID, req.SourceName, req.SensorName, req.Start, req.End); err != nil {
		return nil, fmt.Errorf("queueing deletion request for %s/%s: %w", req.SourceName, req.SensorName, err)
	}
	return &req, nil
}

// ListDeletionRequests returns all queued deletion requests in insertion
// order.
func (s *Store) ListDeletionRequests(ctx context.Context) ([]model.DataDeletionRequest, error) {
	const q = `
		SELECT id, user_id, source_name, sensor_name, start_time, end_time
		FROM deletion_requests ORDER BY rowid`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying deletion requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []model.DataDeletionRequest
	for rows.Next() {
		var r model.DataDeletionRequest
		var start, end sql.NullInt64
		if err := rows.Scan(&r.ID, &r.UserID, &r.SourceName, &r.SensorName, &start, &end); err != nil {
			return nil, fmt.Errorf("scanning deletion request row: %w", err)
		}
		if start.Valid {
			r.Start = &start.Int64
		}
		if end.Valid {
			r.End = &end.Int64
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// DeleteDeletionRequest removes the queued request with the given ID.
func (s *Store) DeleteDeletionRequest(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM deletion_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing deletion request %s: %w", id, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanSensor can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanSensor(sc scanner) (*model.Sensor, error) {
	var s model.Sensor
	var dataType string
	var meta sql.NullString
	var upload, download, persist sql.NullInt64
	var synced, downloaded int

	err := sc.Scan(
		&s.ID, &s.Source, &s.Name, &s.UserID, &dataType, &meta,
		&upload, &download, &persist,
		&s.RemoteID, &synced, &downloaded,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning sensor row: %w", err)
	}

	s.DataType = model.ValueKind(dataType)
	if meta.Valid {
		s.Options.Meta = &meta.String
	}
	s.Options.UploadEnabled = nullToBool(upload)
	s.Options.DownloadEnabled = nullToBool(download)
	s.Options.PersistLocally = nullToBool(persist)
	s.Synced = synced != 0
	s.RemoteDataPointsDownloaded = downloaded != 0
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// boolToNull maps a tri-state flag to a nullable column value.
func boolToNull(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nullToBool(n sql.NullInt64) *bool {
	if !n.Valid {
		return nil
	}
	b := n.Int64 != 0
	return &b
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
