package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"sensorbridge/internal/model"
	"sensorbridge/internal/remote"
)

const (
	otelScope = "sensorbridge/engine"
	spanSync  = "engine.sync"

	metricUploaded   = "sensorbridge.sync.points.uploaded"
	metricDownloaded = "sensorbridge.sync.points.downloaded"
	metricCleaned    = "sensorbridge.sync.points.cleaned"
	metricDeletions  = "sensorbridge.sync.deletions.propagated"
	metricErrors     = "sensorbridge.sync.errors"
)

const (
	// defaultPersistPeriod is the retention window applied until the
	// consumer overrides it.
	defaultPersistPeriod = 31 * 24 * time.Hour

	// downloadPageSize is the page size for the historical backfill.
	downloadPageSize = 100

	// downloadWindowSlack widens the backfill window past the persist
	// period so boundary points are not missed.
	downloadWindowSlack = 10 * time.Minute
)

// Stats tracks the work performed in a single sync pass.
type Stats struct {
	DeletionsPropagated int
	PointsUploaded      int
	SensorsDiscovered   int
	PointsDownloaded    int
	PointsCleaned       int64
}

// Engine orchestrates sync passes against the local store and the cloud.
// Create one with [New]. Sync is safe for concurrent use: passes are
// strictly serialized.
type Engine struct {
	store    LocalStore
	cloud    RemoteAPI
	profiles ProfileDownloader
	source   string
	log      *slog.Logger

	// mu is the single-flight lock: held for the whole five-phase body
	// of a pass, so a second caller blocks until the first completes and
	// then runs its own full pass.
	mu sync.Mutex

	// persistMillis is the retention window in milliseconds, read fresh
	// wherever it is consulted.
	persistMillis atomic.Int64

	// now is stubbed in tests.
	now func() time.Time

	tracer        trace.Tracer
	cntUploaded   metric.Int64Counter
	cntDownloaded metric.Int64Counter
	cntCleaned    metric.Int64Counter
	cntDeletions  metric.Int64Counter
	cntErrors     metric.Int64Counter
}

// New creates an Engine bound to the fixed local source identity.
func New(store LocalStore, cloud RemoteAPI, profiles ProfileDownloader, source string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	e := &Engine{
		store:    store,
		cloud:    cloud,
		profiles: profiles,
		source:   source,
		log:      logger,
		now:      time.Now,

		tracer:        tracer,
		cntUploaded:   mustCounter(metricUploaded, "Number of data points uploaded to remote"),
		cntDownloaded: mustCounter(metricDownloaded, "Number of data points downloaded from remote"),
		cntCleaned:    mustCounter(metricCleaned, "Number of data points removed by retention cleanup"),
		cntDeletions:  mustCounter(metricDeletions, "Number of deletion requests propagated to remote"),
		cntErrors:     mustCounter(metricErrors, "Number of failed sync passes"),
	}
	e.persistMillis.Store(defaultPersistPeriod.Milliseconds())
	return e
}

// Initialize downloads the sensor profiles. Unlike the per-entry
// best-effort skip inside the registry, a fetch failure here propagates to
// the caller.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.profiles.DownloadProfiles(ctx)
}

// SetPersistPeriod updates the retention window. Takes effect immediately,
// including for sensors not yet processed by an in-flight cleanup phase.
func (e *Engine) SetPersistPeriod(d time.Duration) {
	e.persistMillis.Store(d.Milliseconds())
}

// GetPersistPeriod returns the current retention window.
func (e *Engine) GetPersistPeriod() time.Duration {
	return time.Duration(e.persistMillis.Load()) * time.Millisecond
}

// Sync executes one full five-phase pass under the single-flight lock.
// progress may be nil. The first phase error aborts the remaining phases
// and is returned; completed phases stand.
func (e *Engine) Sync(ctx context.Context, progress *Progress) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, spanSync)
	defer span.End()

	if progress == nil {
		progress = &Progress{}
	}

	var stats Stats
	err := e.runPhases(ctx, progress, &stats)

	span.SetAttributes(
		attribute.Int("sync.deletions_propagated", stats.DeletionsPropagated),
		attribute.Int("sync.points_uploaded", stats.PointsUploaded),
		attribute.Int("sync.sensors_discovered", stats.SensorsDiscovered),
		attribute.Int("sync.points_downloaded", stats.PointsDownloaded),
		attribute.Int64("sync.points_cleaned", stats.PointsCleaned),
	)
	if err != nil {
		span.RecordError(err)
		e.cntErrors.Add(ctx, 1)
		return stats, err
	}

	e.log.Info("sync pass complete",
		"deletions", stats.DeletionsPropagated,
		"uploaded", stats.PointsUploaded,
		"discovered", stats.SensorsDiscovered,
		"downloaded", stats.PointsDownloaded,
		"cleaned", stats.PointsCleaned,
	)
	return stats, nil
}

// runPhases executes the five phases in order, firing each progress
// callback after its phase completes.
func (e *Engine) runPhases(ctx context.Context, progress *Progress, stats *Stats) error {
	if err := e.propagateDeletions(ctx, stats); err != nil {
		return fmt.Errorf("deletion phase: %w", err)
	}
	fire(progress.OnDeletionCompleted)

	if err := e.uploadData(ctx, stats); err != nil {
		return fmt.Errorf("upload phase: %w", err)
	}
	fire(progress.OnUploadCompleted)

	if err := e.downloadSensors(ctx, stats); err != nil {
		return fmt.Errorf("sensor discovery phase: %w", err)
	}
	fire(progress.OnDownloadSensorsCompleted)

	if err := e.downloadSensorData(ctx, stats); err != nil {
		return fmt.Errorf("data download phase: %w", err)
	}
	fire(progress.OnDownloadSensorDataCompleted)

	if err := e.cleanupLocal(ctx, stats); err != nil {
		return fmt.Errorf("cleanup phase: %w", err)
	}
	fire(progress.OnCleanupCompleted)

	return nil
}

// propagateDeletions replays queued deletion requests against the cloud.
// Deletions are idempotent, so ordering is not significant; a 404 means
// the data is already gone and the request is considered done.
func (e *Engine) propagateDeletions(ctx context.Context, stats *Stats) error {
	reqs, err := e.store.ListDeletionRequests(ctx)
	if err != nil {
		return err
	}

	for _, req := range reqs {
		err := e.cloud.DeleteSensorData(ctx, req.SourceName, req.SensorName, req.Start, req.End)
		if err != nil && !remote.IsNotFound(err) {
			return fmt.Errorf("deleting remote data for %s/%s: %w", req.SourceName, req.SensorName, err)
		}
		if err := e.store.DeleteDeletionRequest(ctx, req.ID); err != nil {
			return err
		}
		stats.DeletionsPropagated++
		e.cntDeletions.Add(ctx, 1)
		e.log.Debug("deletion request propagated",
			"source", req.SourceName, "sensor", req.SensorName)
	}
	return nil
}

// uploadData pushes all local points of upload-enabled sensors to the
// cloud, one batch PUT per sensor, then marks the uploaded points as
// existing remotely. A failed PUT marks nothing, so the whole batch is
// retried on the next pass.
func (e *Engine) uploadData(ctx context.Context, stats *Stats) error {
	sensors, err := e.store.GetSensors(ctx, e.source)
	if err != nil {
		return err
	}

	for _, sensor := range sensors {
		if !sensor.Options.Upload() {
			continue
		}

		points, err := e.store.GetDataPoints(ctx, sensor.ID, model.QueryOptions{Sort: model.SortAsc})
		if err != nil {
			return err
		}
		if len(points) == 0 {
			continue
		}

		batch := remote.SensorBatch{
			Source: sensor.Source,
			Sensor: sensor.Name,
			Data:   make([]remote.Point, 0, len(points)),
		}
		for _, p := range points {
			batch.Data = append(batch.Data, remote.Point{Timestamp: p.Timestamp, Value: p.Value})
		}

		if err := e.cloud.PutSensorDataBatch(ctx, []remote.SensorBatch{batch}); err != nil {
			return fmt.Errorf("uploading %d points for %s/%s: %w",
				len(points), sensor.Source, sensor.Name, err)
		}

		for i := range points {
			points[i].ExistsInRemote = true
		}
		if err := e.store.UpsertDataPoints(ctx, points); err != nil {
			return err
		}

		stats.PointsUploaded += len(points)
		e.cntUploaded.Add(ctx, int64(len(points)))
		e.log.Debug("sensor data uploaded",
			"sensor", sensor.Name, "points", len(points))
	}
	return nil
}

// downloadSensors lists the cloud's sensors for the local source and
// creates local mirrors for any it does not have yet. Discovered sensors
// are read-only mirrors: download on, upload and local persistence off.
func (e *Engine) downloadSensors(ctx context.Context, stats *Stats) error {
	remoteSensors, err := e.cloud.ListSensors(ctx, e.source)
	if err != nil {
		return fmt.Errorf("listing remote sensors for %q: %w", e.source, err)
	}

	local, err := e.store.GetSensors(ctx, e.source)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(local))
	for _, s := range local {
		known[s.Name] = true
	}

	mirrorOpts := model.SensorOptions{
		DownloadEnabled: model.Bool(true),
		UploadEnabled:   model.Bool(false),
		PersistLocally:  model.Bool(false),
	}

	for _, rs := range remoteSensors {
		if known[rs.Name] {
			continue
		}
		created, err := e.store.CreateSensor(ctx, e.source, rs.Name, rs.DataType, mirrorOpts)
		if err != nil {
			return fmt.Errorf("mirroring remote sensor %q: %w", rs.Name, err)
		}
		if rs.ID != "" {
			if err := e.store.SetSensorRemoteID(ctx, created.ID, rs.ID); err != nil {
				return err
			}
		}
		stats.SensorsDiscovered++
		e.log.Info("remote sensor mirrored locally", "sensor", rs.Name)
	}
	return nil
}

// downloadSensorData performs the one-time historical backfill for each
// download-enabled sensor that has not completed it yet, paging backward
// from now with the oldest timestamp of each full page as the next
// exclusive upper bound.
func (e *Engine) downloadSensorData(ctx context.Context, stats *Stats) error {
	sensors, err := e.store.GetSensors(ctx, e.source)
	if err != nil {
		return err
	}

	for _, sensor := range sensors {
		if !sensor.Options.Download() || sensor.RemoteDataPointsDownloaded {
			continue
		}

		nowMillis := e.now().UnixMilli()
		lower := nowMillis - e.persistMillis.Load() - downloadWindowSlack.Milliseconds()
		upper := nowMillis
		downloaded := 0

		for {
			q := model.QueryOptions{
				Start: &lower,
				End:   &upper,
				Limit: model.Int(downloadPageSize),
				Sort:  model.SortDesc,
			}
			page, err := e.cloud.GetSensorData(ctx, sensor.Source, sensor.Name, q)
			if err != nil {
				return fmt.Errorf("downloading data for %s/%s: %w", sensor.Source, sensor.Name, err)
			}

			points := make([]model.DataPoint, 0, len(page))
			for _, p := range page {
				points = append(points, model.DataPoint{
					SensorID:       sensor.ID,
					Timestamp:      p.Timestamp,
					Value:          p.Value,
					ExistsInRemote: true,
				})
			}
			if err := e.store.UpsertDataPoints(ctx, points); err != nil {
				return err
			}
			downloaded += len(page)

			if len(page) < downloadPageSize {
				break
			}
			// Pages are sorted descending, so the last item is the
			// oldest; it becomes the next page's exclusive upper bound.
			upper = page[len(page)-1].Timestamp
		}

		if err := e.store.SetRemoteDataPointsDownloaded(ctx, sensor.ID); err != nil {
			return err
		}
		stats.PointsDownloaded += downloaded
		e.cntDownloaded.Add(ctx, int64(downloaded))
		e.log.Info("historical backfill complete",
			"sensor", sensor.Name, "points", downloaded)
	}
	return nil
}

// cleanupLocal applies the retention matrix to every sensor of the local
// source. The persist period is read fresh for each sensor, not
// snapshotted for the phase.
func (e *Engine) cleanupLocal(ctx context.Context, stats *Stats) error {
	sensors, err := e.store.GetSensors(ctx, e.source)
	if err != nil {
		return err
	}

	for _, sensor := range sensors {
		upload := sensor.Options.Upload()
		persist := sensor.Options.Persist()

		switch {
		case upload && !persist:
			// Transient upload buffer: everything goes, regardless of age.
			n, err := e.store.DeleteDataPoints(ctx, sensor.ID, nil, nil)
			if err != nil {
				return err
			}
			stats.PointsCleaned += n
			e.cntCleaned.Add(ctx, n)
			e.log.Debug("upload buffer cleared", "sensor", sensor.Name, "points", n)

		case persist:
			cutoff := e.now().UnixMilli() - e.persistMillis.Load()
			n, err := e.store.DeleteDataPoints(ctx, sensor.ID, nil, &cutoff)
			if err != nil {
				return err
			}
			stats.PointsCleaned += n
			e.cntCleaned.Add(ctx, n)
			e.log.Debug("expired points cleaned", "sensor", sensor.Name, "cutoff", cutoff, "points", n)

		default:
			// uploadEnabled=false, persistLocally=false: no deletion is
			// performed, matching the long-observed behavior of this
			// quadrant.
		}
	}
	return nil
}

func fire(cb func()) {
	if cb != nil {
		cb()
	}
}
