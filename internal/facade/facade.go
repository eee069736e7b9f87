// Package facade is the consumer-facing surface of the sync system. It
// owns the lifecycle state machine (credential intake, profile download,
// initial sync, ready), gates operations on readiness, exposes the single
// ingestion entry point used by sensor drivers, and publishes progress
// through replayable completion signals.
package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sensorbridge/internal/engine"
	"sensorbridge/internal/model"
	"sensorbridge/internal/signal"
	"sensorbridge/internal/store"
)

// ErrNotReady is returned by operations invoked before initialization has
// completed.
var ErrNotReady = errors.New("facade is not ready")

// State is the facade lifecycle state.
type State int

const (
	// StateAwaitingCredentials is the initial state: no credentials set.
	StateAwaitingCredentials State = iota
	// StateAwaitingSensorProfiles means credentials are set and
	// initialization (profile download + initial sync) is in flight.
	StateAwaitingSensorProfiles
	// StateReady means the initial sync completed and all operations are
	// available.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAwaitingCredentials:
		return "awaiting-credentials"
	case StateAwaitingSensorProfiles:
		return "awaiting-sensor-profiles"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Credentials is the (session, user, application-key) tuple. Compared by
// value: setting an identical tuple does not re-trigger initialization.
type Credentials struct {
	SessionToken string
	UserID       string
	AppKey       string
}

// Options holds facade-level settings that, when changed, re-trigger
// initialization.
type Options struct {
	// Staging selects the cloud's staging endpoint set.
	Staging bool

	// BaseURL overrides the endpoint base entirely (tests).
	BaseURL string

	// PersistPeriod overrides the engine's retention window when non-zero.
	PersistPeriod time.Duration
}

// Store is the subset of local store operations the facade exposes to
// consumers. Implemented by [store.Store].
type Store interface {
	CreateSensor(ctx context.Context, source, name string, dataType model.ValueKind, opts model.SensorOptions) (*model.Sensor, error)
	GetSensor(ctx context.Context, source, name string) (*model.Sensor, error)
	GetSensors(ctx context.Context, source string) ([]model.Sensor, error)
	GetSources(ctx context.Context) ([]string, error)
	SetSensorOptions(ctx context.Context, source, name string, opts model.SensorOptions) error

	UpsertDataPoint(ctx context.Context, sensorID int64, value model.Value, timestamp int64, existsInRemote bool) error
	GetDataPoints(ctx context.Context, sensorID int64, q model.QueryOptions) ([]model.DataPoint, error)
	DeleteDataPoints(ctx context.Context, sensorID int64, start, end *int64) (int64, error)

	CreateDeletionRequest(ctx context.Context, req model.DataDeletionRequest) (*model.DataDeletionRequest, error)
}

// Validator type-checks submitted values. Implemented by
// [profile.Registry].
type Validator interface {
	Validate(sensorName string, v model.Value) error
}

// SyncEngine is the engine surface the facade drives. Implemented by
// [engine.Engine].
type SyncEngine interface {
	Initialize(ctx context.Context) error
	Sync(ctx context.Context, progress *engine.Progress) (engine.Stats, error)
	SetPersistPeriod(d time.Duration)
	GetPersistPeriod() time.Duration
}

// BuildFunc constructs the credential-scoped backends: the remote client
// is bound to one session token, so a credential change means a fresh
// engine and validator.
type BuildFunc func(creds Credentials, opts Options) (SyncEngine, Validator, error)

// Facade coordinates the lifecycle and delegates operations to the store
// and the credential-scoped engine. Safe for concurrent use.
type Facade struct {
	// Store is embedded so read operations (GetSensor, GetDataPoints,
	// GetSources, ...) are available directly on the facade.
	Store

	build BuildFunc
	pool  *signal.Pool
	log   *slog.Logger

	mu        sync.Mutex
	state     State
	creds     Credentials
	opts      Options
	engine    SyncEngine
	validator Validator

	ready                *signal.Signal
	sensorsDownloaded    *signal.Signal
	sensorDataDownloaded *signal.Signal
}

// New creates a Facade in the AwaitingCredentials state. pool delivers
// progress callbacks; it is owned by the caller.
func New(st Store, build BuildFunc, pool *signal.Pool, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{
		Store: st,
		build: build,
		pool:  pool,
		log:   logger,
		state: StateAwaitingCredentials,
	}
	f.resetSignals()
	return f
}

// State returns the current lifecycle state.
func (f *Facade) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// OnReady returns the signal completed when the initial sync finishes.
// Late subscribers observe the outcome immediately.
func (f *Facade) OnReady() *signal.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// OnSensorsDownloaded returns the signal completed when the initial
// sync's sensor discovery phase finishes.
func (f *Facade) OnSensorsDownloaded() *signal.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sensorsDownloaded
}

// OnSensorDataDownloaded returns the signal completed when the initial
// sync's historical download phase finishes.
func (f *Facade) OnSensorDataDownloaded() *signal.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sensorDataDownloaded
}

// SetCredentials supplies (or replaces) the credential tuple. The tuple is
// compared by value; initialization is re-triggered only on an actual
// change. Initialization runs asynchronously: profile download, then an
// initial full sync, after which the facade transitions to Ready.
func (f *Facade) SetCredentials(ctx context.Context, creds Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateAwaitingCredentials && creds == f.creds {
		return nil
	}
	f.creds = creds
	return f.reinitializeLocked(ctx)
}

// SetOptions replaces the facade options, re-triggering initialization
// only when they actually changed. Returns ErrNotReady when called before
// any credentials have been supplied.
func (f *Facade) SetOptions(ctx context.Context, opts Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateAwaitingCredentials {
		f.opts = opts
		return nil
	}
	if opts == f.opts {
		return nil
	}
	f.opts = opts
	return f.reinitializeLocked(ctx)
}

// reinitializeLocked rebuilds the credential-scoped backends and starts
// the initialization chain. Caller holds f.mu.
func (f *Facade) reinitializeLocked(ctx context.Context) error {
	eng, val, err := f.build(f.creds, f.opts)
	if err != nil {
		return fmt.Errorf("building sync backends: %w", err)
	}
	if f.opts.PersistPeriod > 0 {
		eng.SetPersistPeriod(f.opts.PersistPeriod)
	}
	f.engine = eng
	f.validator = val
	f.state = StateAwaitingSensorProfiles
	f.resetSignals()

	ready := f.ready
	sensors := f.sensorsDownloaded
	data := f.sensorDataDownloaded

	go f.initialize(ctx, eng, ready, sensors, data)
	return nil
}

// initialize chains profile download and the initial full sync, publishing
// the outcome through the given signals.
func (f *Facade) initialize(ctx context.Context, eng SyncEngine, ready, sensors, data *signal.Signal) {
	fail := func(err error) {
		sensors.Fail(err)
		data.Fail(err)
		ready.Fail(err)
	}

	if err := eng.Initialize(ctx); err != nil {
		f.log.Error("profile download failed", "error", err)
		fail(err)
		return
	}

	progress := &engine.Progress{
		OnDownloadSensorsCompleted:    sensors.Complete,
		OnDownloadSensorDataCompleted: data.Complete,
	}
	if _, err := eng.Sync(ctx, progress); err != nil {
		f.log.Error("initial sync failed", "error", err)
		fail(err)
		return
	}

	f.mu.Lock()
	// Only promote if no newer initialization superseded this one.
	if f.ready == ready {
		f.state = StateReady
	}
	f.mu.Unlock()

	ready.Complete()
	f.log.Info("facade ready")
}

func (f *Facade) resetSignals() {
	f.ready = signal.New(f.pool)
	f.sensorsDownloaded = signal.New(f.pool)
	f.sensorDataDownloaded = signal.New(f.pool)
}

// requireReady returns the current engine and validator, or ErrNotReady.
func (f *Facade) requireReady() (SyncEngine, Validator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateReady {
		return nil, nil, fmt.Errorf("state %s: %w", f.state, ErrNotReady)
	}
	return f.engine, f.validator, nil
}

// Submit validates a reading against the sensor's schema and upserts it
// into the local store. This is the only ingestion entry point exposed to
// sensor drivers. An unknown local sensor is created on first submit with
// the registry's default policy.
func (f *Facade) Submit(ctx context.Context, sourceName, sensorName string, value any, timestampMillis int64) error {
	_, validator, err := f.requireReady()
	if err != nil {
		return err
	}

	v, err := model.NewValue(value)
	if err != nil {
		return fmt.Errorf("submitting to %s/%s: %w", sourceName, sensorName, err)
	}
	if err := validator.Validate(sensorName, v); err != nil {
		return err
	}

	sensor, err := f.Store.GetSensor(ctx, sourceName, sensorName)
	if errors.Is(err, store.ErrSensorNotFound) {
		sensor, err = f.Store.CreateSensor(ctx, sourceName, sensorName, v.Kind(), model.SensorOptions{})
	}
	if err != nil {
		return err
	}

	return f.Store.UpsertDataPoint(ctx, sensor.ID, v, timestampMillis, false)
}

// DeleteSensorData removes the sensor's local points in the half-open
// range and queues the corresponding remote deletion, which the next sync
// pass propagates.
func (f *Facade) DeleteSensorData(ctx context.Context, sourceName, sensorName string, start, end *int64) error {
	if _, _, err := f.requireReady(); err != nil {
		return err
	}

	sensor, err := f.Store.GetSensor(ctx, sourceName, sensorName)
	if err != nil {
		return err
	}
	if _, err := f.Store.DeleteDataPoints(ctx, sensor.ID, start, end); err != nil {
		return err
	}
	_, err = f.Store.CreateDeletionRequest(ctx, model.DataDeletionRequest{
		SourceName: sourceName,
		SensorName: sensorName,
		Start:      start,
		End:        end,
	})
	return err
}

// Sync triggers one full sync pass. Concurrent triggers queue on the
// engine's single-flight lock rather than failing or being dropped.
func (f *Facade) Sync(ctx context.Context) (engine.Stats, error) {
	eng, _, err := f.requireReady()
	if err != nil {
		return engine.Stats{}, err
	}
	return eng.Sync(ctx, nil)
}

// SetPersistPeriod forwards the retention window to the engine.
func (f *Facade) SetPersistPeriod(d time.Duration) error {
	eng, _, err := f.requireReady()
	if err != nil {
		return err
	}
	eng.SetPersistPeriod(d)
	return nil
}
