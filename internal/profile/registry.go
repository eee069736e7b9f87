// Package profile caches sensor value schemas fetched from the cloud and
// validates submitted values against them. It also resolves the default
// per-sensor policy applied at sensor creation.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"sensorbridge/internal/model"
)

// ErrUnknownSensor is returned by Validate for a sensor name with no
// cached schema.
var ErrUnknownSensor = errors.New("unknown sensor name")

// ValidationError reports a value that violates its sensor's schema. The
// message names the specific violated rule.
type ValidationError struct {
	Sensor  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sensor %q: %s", e.Sensor, e.Message)
}

// Schema is a cached sensor value schema.
type Schema struct {
	Name string

	// Kind is the declared primitive kind: boolean, number, string, or
	// object.
	Kind string

	// Required lists mandatory properties for object schemas.
	Required []string
}

// ProfileFetcher fetches the raw schema list from the cloud.
// Implemented by [remote.Client].
type ProfileFetcher interface {
	GetSensorProfiles(ctx context.Context) ([]json.RawMessage, error)
}

// Overrides is the persisted per-sensor policy override store. The
// persistence itself lives outside this engine; an implementation is
// supplied by the embedding application.
type Overrides interface {
	// Lookup returns the override options for a sensor name, if any.
	Lookup(sensorName string) (model.SensorOptions, bool)
}

// Registry caches sensor value schemas keyed by sensor name and resolves
// default sensor policy. Safe for concurrent use.
type Registry struct {
	fetcher   ProfileFetcher
	overrides Overrides
	log       *slog.Logger

	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry creates a Registry. overrides may be nil when the embedding
// application persists no policy overrides.
func NewRegistry(fetcher ProfileFetcher, overrides Overrides, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		fetcher:   fetcher,
		overrides: overrides,
		log:       logger,
		schemas:   make(map[string]Schema),
	}
}

// DownloadProfiles fetches the sensor value schemas from the cloud and
// replaces the cache. A single malformed schema entry is logged and
// skipped; the operation only fails when the fetch itself fails.
func (r *Registry) DownloadProfiles(ctx context.Context) error {
	raw, err := r.fetcher.GetSensorProfiles(ctx)
	if err != nil {
		return fmt.Errorf("downloading sensor profiles: %w", err)
	}

	schemas := make(map[string]Schema, len(raw))
	for _, entry := range raw {
		var p struct {
			Name     string   `json:"name"`
			Type     string   `json:"type"`
			Required []string `json:"required"`
		}
		if err := json.Unmarshal(entry, &p); err != nil {
			r.log.Warn("skipping malformed sensor profile", "error", err)
			continue
		}
		if p.Name == "" || !validSchemaKind(p.Type) {
			r.log.Warn("skipping malformed sensor profile",
				"name", p.Name, "type", p.Type)
			continue
		}
		schemas[p.Name] = Schema{Name: p.Name, Kind: p.Type, Required: p.Required}
	}

	r.mu.Lock()
	r.schemas = schemas
	r.mu.Unlock()

	r.log.Info("sensor profiles downloaded", "count", len(schemas))
	return nil
}

// Schema returns the cached schema for a sensor name.
func (r *Registry) Schema(sensorName string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[sensorName]
	return s, ok
}

// Validate type-checks a value against the sensor's cached schema. For
// object schemas it also checks required-property presence. The returned
// error names the specific violation.
func (r *Registry) Validate(sensorName string, v model.Value) error {
	schema, ok := r.Schema(sensorName)
	if !ok {
		return fmt.Errorf("sensor %q: %w", sensorName, ErrUnknownSensor)
	}

	switch schema.Kind {
	case "boolean":
		if v.Kind() != model.KindBool {
			return &ValidationError{Sensor: sensorName, Message: "Invalid type. boolean expected."}
		}
	case "number":
		if v.Kind() != model.KindInt && v.Kind() != model.KindFloat {
			return &ValidationError{Sensor: sensorName, Message: "Invalid type. number expected."}
		}
	case "string":
		if v.Kind() != model.KindString {
			return &ValidationError{Sensor: sensorName, Message: "Invalid type. string expected."}
		}
	case "object":
		if v.Kind() != model.KindJSON {
			return &ValidationError{Sensor: sensorName, Message: "Invalid type. object expected."}
		}
		doc, err := v.JSON()
		if err != nil {
			return &ValidationError{Sensor: sensorName, Message: "Invalid type. object expected."}
		}
		obj, ok := doc.(map[string]any)
		if !ok {
			return &ValidationError{Sensor: sensorName, Message: "Invalid type. object expected."}
		}
		for _, prop := range schema.Required {
			if _, present := obj[prop]; !present {
				return &ValidationError{
					Sensor:  sensorName,
					Message: fmt.Sprintf("Required property '%s' missing.", prop),
				}
			}
		}
	}
	return nil
}

func validSchemaKind(k string) bool {
	switch k {
	case "boolean", "number", "string", "object":
		return true
	}
	return false
}

// --- default policy ----------------------------------------------------------

// defaultPolicies is the bundled per-sensor default table. High-rate
// motion sensors default to the transient upload-buffer policy; everything
// else falls back to basePolicy.
var defaultPolicies = map[string]model.SensorOptions{
	"accelerometer": {
		UploadEnabled:   model.Bool(true),
		DownloadEnabled: model.Bool(false),
		PersistLocally:  model.Bool(false),
	},
	"gyroscope": {
		UploadEnabled:   model.Bool(true),
		DownloadEnabled: model.Bool(false),
		PersistLocally:  model.Bool(false),
	},
}

// basePolicy applies when the default table has no entry for the sensor.
var basePolicy = model.SensorOptions{
	UploadEnabled:   model.Bool(true),
	DownloadEnabled: model.Bool(false),
	PersistLocally:  model.Bool(true),
}

// DefaultOptions resolves the default policy for a sensor name: the
// bundled table over the base policy, with persisted overrides applied
// last. Used only at sensor creation time, never retroactively.
func (r *Registry) DefaultOptions(sensorName string) model.SensorOptions {
	opts := basePolicy
	if tbl, ok := defaultPolicies[sensorName]; ok {
		opts = model.Merge(opts, tbl)
	}
	if r.overrides != nil {
		if ov, ok := r.overrides.Lookup(sensorName); ok {
			opts = model.Merge(opts, ov)
		}
	}
	return opts
}
