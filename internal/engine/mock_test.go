package engine

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"sensorbridge/internal/model"
	"sensorbridge/internal/remote"
)

// --- Mock Cloud API ----------------------------------------------------------

type cloudKey struct {
	source, name string
}

type cloudDelete struct {
	source, name string
	start, end   *int64
}

// mockCloud is an in-memory stand-in for the cloud API. Failure injection
// is per method; setting one of the fail* fields makes that method return
// the error on every call until cleared.
type mockCloud struct {
	mu      sync.Mutex
	sensors []remote.Sensor
	data    map[cloudKey][]remote.Point

	batches      [][]remote.SensorBatch
	deletes      []cloudDelete
	getDataCalls int

	failList    error
	failGetData error
	failBatch   error
	failDelete  error

	// deleteEntered is closed on the first DeleteSensorData call and
	// deleteRelease is then waited on, so a test can hold a sync pass
	// inside phase one. Nil channels disable the hook.
	deleteEntered chan struct{}
	deleteRelease chan struct{}
}

func newMockCloud() *mockCloud {
	return &mockCloud{data: make(map[cloudKey][]remote.Point)}
}

func (m *mockCloud) addPoints(source, name string, points ...remote.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cloudKey{source, name}
	m.data[k] = append(m.data[k], points...)
}

func (m *mockCloud) ListSensors(_ context.Context, source string) ([]remote.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList != nil {
		return nil, m.failList
	}
	var out []remote.Sensor
	for _, s := range m.sensors {
		if s.Source == source {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockCloud) GetSensorData(_ context.Context, source, name string, q model.QueryOptions) ([]remote.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getDataCalls++
	if m.failGetData != nil {
		return nil, m.failGetData
	}

	var out []remote.Point
	for _, p := range m.data[cloudKey{source, name}] {
		if q.Start != nil && p.Timestamp < *q.Start {
			continue
		}
		if q.End != nil && p.Timestamp >= *q.End {
			continue
		}
		out = append(out, p)
	}
	if q.Sort == model.SortDesc {
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	}
	if q.Limit != nil && len(out) > *q.Limit {
		out = out[:*q.Limit]
	}
	return out, nil
}

func (m *mockCloud) PutSensorDataBatch(_ context.Context, batches []remote.SensorBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBatch != nil {
		return m.failBatch
	}
	m.batches = append(m.batches, batches)
	for _, b := range batches {
		k := cloudKey{b.Source, b.Sensor}
		m.data[k] = append(m.data[k], b.Data...)
	}
	return nil
}

func (m *mockCloud) DeleteSensorData(_ context.Context, source, name string, start, end *int64) error {
	m.mu.Lock()
	entered, release := m.deleteEntered, m.deleteRelease
	m.deleteEntered, m.deleteRelease = nil, nil
	m.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	m.deletes = append(m.deletes, cloudDelete{source: source, name: name, start: start, end: end})
	return nil
}

func (m *mockCloud) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// --- Mock Profile Downloader -------------------------------------------------

type mockProfiles struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockProfiles) DownloadProfiles(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

// notFoundErr builds the API error shape the cloud returns for missing
// sensors and data.
func notFoundErr() error {
	return &remote.APIError{StatusCode: http.StatusNotFound, Reason: "no such sensor"}
}
