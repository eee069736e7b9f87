package model

// Sensor is the stored description of a single sensor. Identity is the
// (Source, Name, UserID) triple, which is unique per store. Sensors are
// plain value records: all mutation goes through store methods, never
// through the returned struct.
type Sensor struct {
	// ID is the store-generated row identifier.
	ID int64

	// Source names the data origin this sensor belongs to.
	Source string

	// Name is the sensor name, unique within its source for a user.
	Name string

	// UserID is the owning user.
	UserID string

	// DataType tags the kind of values this sensor produces.
	DataType ValueKind

	// Options holds the per-sensor policy flags and meta blob.
	Options SensorOptions

	// RemoteID is the identifier assigned by the cloud service, empty
	// until the sensor has been pushed or discovered remotely.
	RemoteID string

	// Synced is false while local option changes have not been pushed.
	Synced bool

	// RemoteDataPointsDownloaded is set once the one-time historical
	// backfill for this sensor has completed. Never reset.
	RemoteDataPointsDownloaded bool
}

// SensorOptions is the per-sensor policy. Each flag is tri-state: nil means
// "inherit the default", a non-nil pointer pins the flag.
type SensorOptions struct {
	// Meta is an opaque blob attached to the sensor.
	Meta *string

	// UploadEnabled controls whether local points are pushed to remote.
	UploadEnabled *bool

	// DownloadEnabled controls whether remote points are pulled locally.
	DownloadEnabled *bool

	// PersistLocally controls whether points are retained past upload.
	PersistLocally *bool
}

// Merge overlays non-nil fields of later option sets over earlier ones,
// left to right, and returns the result.
func Merge(opts ...SensorOptions) SensorOptions {
	var out SensorOptions
	for _, o := range opts {
		if o.Meta != nil {
			out.Meta = o.Meta
		}
		if o.UploadEnabled != nil {
			out.UploadEnabled = o.UploadEnabled
		}
		if o.DownloadEnabled != nil {
			out.DownloadEnabled = o.DownloadEnabled
		}
		if o.PersistLocally != nil {
			out.PersistLocally = o.PersistLocally
		}
	}
	return out
}

// Equal reports whether two option sets are equal by value, treating nil
// and set pointers as distinct states.
func (o SensorOptions) Equal(other SensorOptions) bool {
	return eqStrPtr(o.Meta, other.Meta) &&
		eqBoolPtr(o.UploadEnabled, other.UploadEnabled) &&
		eqBoolPtr(o.DownloadEnabled, other.DownloadEnabled) &&
		eqBoolPtr(o.PersistLocally, other.PersistLocally)
}

// Upload reports the effective upload flag; unset means false.
func (o SensorOptions) Upload() bool { return o.UploadEnabled != nil && *o.UploadEnabled }

// Download reports the effective download flag; unset means false.
func (o SensorOptions) Download() bool { return o.DownloadEnabled != nil && *o.DownloadEnabled }

// Persist reports the effective persist-locally flag; unset means false.
func (o SensorOptions) Persist() bool { return o.PersistLocally != nil && *o.PersistLocally }

// Bool returns a pointer to b, for building option literals.
func Bool(b bool) *bool { return &b }

// Str returns a pointer to s, for building option literals.
func Str(s string) *string { return &s }

func eqBoolPtr(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Source is an optional grouping entity representing a data-producing
// device or integration under which sensors are grouped.
type Source struct {
	ID         int64
	Name       string
	Meta       string
	DeviceUUID string
	RemoteID   string
	Synced     bool
}

// DataPointKey is the structural composite identity of a data point.
// Comparing keys compares the fields, so there is no delimiter ambiguity.
type DataPointKey struct {
	SensorID  int64
	Timestamp int64 // milliseconds since epoch
}

// DataPoint is a single stored sample. Re-inserting the same key overwrites
// the value (upsert).
type DataPoint struct {
	SensorID int64

	// Timestamp in milliseconds since epoch.
	Timestamp int64

	Value Value

	// ExistsInRemote is set once this point is known to be stored remotely.
	ExistsInRemote bool

	// RequiresDeletionInRemote is reserved; stored but never acted on.
	RequiresDeletionInRemote bool
}

// Key returns the point's composite identity.
func (p DataPoint) Key() DataPointKey {
	return DataPointKey{SensorID: p.SensorID, Timestamp: p.Timestamp}
}

// DataDeletionRequest queues a remote deletion until it has been
// propagated; the record is removed once the remote delete succeeds.
type DataDeletionRequest struct {
	// ID is a generated identifier (UUID).
	ID string

	UserID     string
	SourceName string
	SensorName string

	// Start and End bound the deletion half-open in milliseconds; either
	// may be nil for open-ended, both nil means delete everything.
	Start *int64
	End   *int64
}
