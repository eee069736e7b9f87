// Package engine implements the five-phase synchronization pass between
// the local store and the sensor cloud: deletion propagation, upload,
// sensor discovery, historical download, and retention cleanup.
//
// A pass runs under a single-flight lock: concurrent triggers queue and
// then execute their own full pass, never interleaving. A phase error
// aborts the remaining phases of that pass; effects of already-completed
// phases are not rolled back; upsert semantics make re-running safe.
package engine

import (
	"context"

	"sensorbridge/internal/model"
	"sensorbridge/internal/remote"
)

// LocalStore provides the subset of store operations the engine needs.
// Implemented by [store.Store].
type LocalStore interface {
	GetSensors(ctx context.Context, source string) ([]model.Sensor, error)
	CreateSensor(ctx context.Context, source, name string, dataType model.ValueKind, opts model.SensorOptions) (*model.Sensor, error)
	SetSensorRemoteID(ctx context.Context, sensorID int64, remoteID string) error
	SetRemoteDataPointsDownloaded(ctx context.Context, sensorID int64) error

	GetDataPoints(ctx context.Context, sensorID int64, q model.QueryOptions) ([]model.DataPoint, error)
	UpsertDataPoints(ctx context.Context, points []model.DataPoint) error
	DeleteDataPoints(ctx context.Context, sensorID int64, start, end *int64) (int64, error)

	ListDeletionRequests(ctx context.Context) ([]model.DataDeletionRequest, error)
	DeleteDeletionRequest(ctx context.Context, id string) error
}

// RemoteAPI provides the subset of cloud operations the engine needs.
// Implemented by [remote.Client].
type RemoteAPI interface {
	ListSensors(ctx context.Context, source string) ([]remote.Sensor, error)
	GetSensorData(ctx context.Context, source, name string, q model.QueryOptions) ([]remote.Point, error)
	PutSensorDataBatch(ctx context.Context, batches []remote.SensorBatch) error
	DeleteSensorData(ctx context.Context, source, name string, start, end *int64) error
}

// ProfileDownloader downloads the sensor value schemas.
// Implemented by [profile.Registry].
type ProfileDownloader interface {
	DownloadProfiles(ctx context.Context) error
}

// Progress carries optional per-phase completion callbacks for a single
// sync pass. Nil callbacks are skipped. Callbacks run on the sync lane,
// after their phase has fully completed.
type Progress struct {
	OnDeletionCompleted           func()
	OnUploadCompleted             func()
	OnDownloadSensorsCompleted    func()
	OnDownloadSensorDataCompleted func()
	OnCleanupCompleted            func()
}
