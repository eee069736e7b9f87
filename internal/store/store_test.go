package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"sensorbridge/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-sensors.db")
	s, err := Open(path, "user-1", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestSensor(t *testing.T, s *Store, source, name string) *model.Sensor {
	t.Helper()
	sensor, err := s.CreateSensor(context.Background(), source, name, model.KindFloat, model.SensorOptions{})
	if err != nil {
		t.Fatalf("CreateSensor(%s/%s): %v", source, name, err)
	}
	return sensor
}

func mustValue(t *testing.T, v any) model.Value {
	t.Helper()
	val, err := model.NewValue(v)
	if err != nil {
		t.Fatalf("NewValue(%v): %v", v, err)
	}
	return val
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.db")
	s1, err := Open(path, "user-1", nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path, "user-1", nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("s2.Close: %v", err)
	}
}

func TestCreateSensor_Duplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestSensor(t, s, "phone", "heart-rate")

	_, err := s.CreateSensor(ctx, "phone", "heart-rate", model.KindFloat, model.SensorOptions{})
	if !errors.Is(err, ErrSensorExists) {
		t.Fatalf("duplicate CreateSensor error = %v, want ErrSensorExists", err)
	}

	// The failed attempt must not leave a row behind.
	sensors, err := s.GetSensors(ctx, "phone")
	if err != nil {
		t.Fatalf("GetSensors: %v", err)
	}
	if len(sensors) != 1 {
		t.Errorf("sensor count after failed create = %d, want 1", len(sensors))
	}
}

func TestCreateSensor_SameNameDifferentSource(t *testing.T) {
	s := openTestStore(t)
	createTestSensor(t, s, "phone", "heart-rate")
	createTestSensor(t, s, "watch", "heart-rate")

	names, err := s.GetSources(context.Background())
	if err != nil {
		t.Fatalf("GetSources: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("GetSources = %v, want two distinct sources", names)
	}
}

type tableDefaults struct{}

func (tableDefaults) DefaultOptions(string) model.SensorOptions {
	return model.SensorOptions{
		UploadEnabled:  model.Bool(true),
		PersistLocally: model.Bool(true),
	}
}

func TestCreateSensor_MergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.db")
	s, err := Open(path, "user-1", tableDefaults{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	// Explicit PersistLocally overrides the default; UploadEnabled inherits.
	_, err = s.CreateSensor(ctx, "phone", "steps", model.KindInt,
		model.SensorOptions{PersistLocally: model.Bool(false)})
	if err != nil {
		t.Fatalf("CreateSensor: %v", err)
	}

	got, err := s.GetSensor(ctx, "phone", "steps")
	if err != nil {
		t.Fatalf("GetSensor: %v", err)
	}
	if !got.Options.Upload() {
		t.Error("UploadEnabled default not applied")
	}
	if got.Options.Persist() {
		t.Error("explicit PersistLocally=false was overridden by the default")
	}
}

func TestGetSensor_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSensor(context.Background(), "phone", "missing")
	if !errors.Is(err, ErrSensorNotFound) {
		t.Fatalf("error = %v, want ErrSensorNotFound", err)
	}
}

func TestSetSensorOptions_MergesNonNilOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSensor(ctx, "phone", "temp", model.KindFloat, model.SensorOptions{
		UploadEnabled:  model.Bool(true),
		PersistLocally: model.Bool(true),
		Meta:           model.Str("v1"),
	})
	if err != nil {
		t.Fatalf("CreateSensor: %v", err)
	}

	if err := s.SetSensorOptions(ctx, "phone", "temp", model.SensorOptions{
		UploadEnabled: model.Bool(false),
	}); err != nil {
		t.Fatalf("SetSensorOptions: %v", err)
	}

	got, err := s.GetSensor(ctx, "phone", "temp")
	if err != nil {
		t.Fatalf("GetSensor: %v", err)
	}
	if got.Options.Upload() {
		t.Error("UploadEnabled not updated")
	}
	if !got.Options.Persist() {
		t.Error("PersistLocally lost by merge")
	}
	if got.Options.Meta == nil || *got.Options.Meta != "v1" {
		t.Error("Meta lost by merge")
	}
	if got.Synced {
		t.Error("option change did not clear the synced flag")
	}
}

func TestUpsertDataPoint_AllKindsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sensor := createTestSensor(t, s, "phone", "mixed")

	inputs := []any{true, int64(42), 2.718281828459045, "reading", map[string]any{"x": 1.0, "y": 2.0}}
	for i, in := range inputs {
		if err := s.UpsertDataPoint(ctx, sensor.ID, mustValue(t, in), int64(1000+i), false); err != nil {
			t.Fatalf("UpsertDataPoint(%v): %v", in, err)
		}
	}

	points, err := s.GetDataPoints(ctx, sensor.ID, model.QueryOptions{})
	if err != nil {
		t.Fatalf("GetDataPoints: %v", err)
	}
	if len(points) != len(inputs) {
		t.Fatalf("stored %d points, want %d", len(points), len(inputs))
	}
	for i, in := range inputs {
		want := mustValue(t, in)
		if !points[i].Value.Equal(want) {
			t.Errorf("point %d: value = (%s, %q), want (%s, %q)",
				i, points[i].Value.Kind(), points[i].Value.Raw(), want.Kind(), want.Raw())
		}
	}
}

func TestUpsertDataPoint_SameKeyOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sensor := createTestSensor(t, s, "phone", "hr")

	if err := s.UpsertDataPoint(ctx, sensor.ID, mustValue(t, 60.0), 5000, false); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertDataPoint(ctx, sensor.ID, mustValue(t, 72.0), 5000, true); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	points, err := s.GetDataPoints(ctx, sensor.ID, model.QueryOptions{})
	if err != nil {
		t.Fatalf("GetDataPoints: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("point count = %d, want exactly 1", len(points))
	}
	if f, _ := points[0].Value.Float(); f != 72.0 {
		t.Errorf("stored value = %v, want the second write 72.0", f)
	}
	if !points[0].ExistsInRemote {
		t.Error("ExistsInRemote not overwritten by upsert")
	}
}

func TestGetDataPoints_RangeLimitSort(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sensor := createTestSensor(t, s, "phone", "hr")

	// T1 < T2 < T3 < T4.
	for _, ts := range []int64{100, 200, 300, 400} {
		if err := s.UpsertDataPoint(ctx, sensor.ID, mustValue(t, float64(ts)), ts, false); err != nil {
			t.Fatalf("UpsertDataPoint: %v", err)
		}
	}

	points, err := s.GetDataPoints(ctx, sensor.ID, model.QueryOptions{
		Start: model.Int64(100),
		End:   model.Int64(301),
		Limit: model.Int(2),
		Sort:  model.SortDesc,
	})
	if err != nil {
		t.Fatalf("GetDataPoints: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("len = %d, want 2", len(points))
	}
	if points[0].Timestamp != 300 || points[1].Timestamp != 200 {
		t.Errorf("timestamps = [%d, %d], want [300, 200]", points[0].Timestamp, points[1].Timestamp)
	}
}

func TestGetDataPoints_FewerThanLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sensor := createTestSensor(t, s, "phone", "hr")
	if err := s.UpsertDataPoint(ctx, sensor.ID, mustValue(t, 1.0), 10, false); err != nil {
		t.Fatal(err)
	}

	points, err := s.GetDataPoints(ctx, sensor.ID, model.QueryOptions{Limit: model.Int(50)})
	if err != nil {
		t.Fatalf("GetDataPoints with generous limit errored: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("len = %d, want 1", len(points))
	}
}

func TestGetDataPoints_NegativeLimit(t *testing.T) {
	s := openTestStore(t)
	sensor := createTestSensor(t, s, "phone", "hr")

	_, err := s.GetDataPoints(context.Background(), sensor.ID, model.QueryOptions{Limit: model.Int(-1)})
	if !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("error = %v, want ErrInvalidLimit", err)
	}
}

func TestGetDataPoints_ExistsInRemoteFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sensor := createTestSensor(t, s, "phone", "hr")

	if err := s.UpsertDataPoint(ctx, sensor.ID, mustValue(t, 1.0), 10, false); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertDataPoint(ctx, sensor.ID, mustValue(t, 2.0), 20, true); err != nil {
		t.Fatal(err)
	}

	local, err := s.GetDataPoints(ctx, sensor.ID, model.QueryOptions{ExistsInRemote: model.Bool(false)})
	if err != nil {
		t.Fatal(err)
	}
	if len(local) != 1 || local[0].Timestamp != 10 {
		t.Errorf("local-only filter returned %v", local)
	}
}

func TestDeleteDataPoints_HalfOpenAndFull(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sensor := createTestSensor(t, s, "phone", "hr")

	for _, ts := range []int64{100, 200, 300} {
		if err := s.UpsertDataPoint(ctx, sensor.ID, mustValue(t, 1.0), ts, false); err != nil {
			t.Fatal(err)
		}
	}

	// Open start: everything strictly before 300 goes.
	n, err := s.DeleteDataPoints(ctx, sensor.ID, nil, model.Int64(300))
	if err != nil {
		t.Fatalf("DeleteDataPoints: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d points, want 2", n)
	}
	points, err := s.GetDataPoints(ctx, sensor.ID, model.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].Timestamp != 300 {
		t.Errorf("remaining = %v, want only timestamp 300", points)
	}

	// Both bounds nil: full wipe for the sensor.
	if _, err := s.DeleteDataPoints(ctx, sensor.ID, nil, nil); err != nil {
		t.Fatal(err)
	}
	points, err = s.GetDataPoints(ctx, sensor.ID, model.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 0 {
		t.Errorf("points remain after full delete: %v", points)
	}
}

func TestDeleteDataPoints_ScopedToSensor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestSensor(t, s, "phone", "a")
	b := createTestSensor(t, s, "phone", "b")

	if err := s.UpsertDataPoint(ctx, a.ID, mustValue(t, 1.0), 100, false); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertDataPoint(ctx, b.ID, mustValue(t, 2.0), 100, false); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DeleteDataPoints(ctx, a.ID, nil, nil); err != nil {
		t.Fatal(err)
	}
	points, err := s.GetDataPoints(ctx, b.ID, model.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Errorf("sibling sensor lost points: %v", points)
	}
}

func TestUpsertDataPoints_Batch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sensor := createTestSensor(t, s, "phone", "hr")

	batch := make([]model.DataPoint, 0, 10)
	for i := range 10 {
		batch = append(batch, model.DataPoint{
			SensorID:       sensor.ID,
			Timestamp:      int64(i * 100),
			Value:          mustValue(t, float64(i)),
			ExistsInRemote: true,
		})
	}
	if err := s.UpsertDataPoints(ctx, batch); err != nil {
		t.Fatalf("UpsertDataPoints: %v", err)
	}

	points, err := s.GetDataPoints(ctx, sensor.ID, model.QueryOptions{ExistsInRemote: model.Bool(true)})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 10 {
		t.Errorf("batch stored %d points, want 10", len(points))
	}
}

func TestSetRemoteDataPointsDownloaded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sensor := createTestSensor(t, s, "phone", "hr")

	if err := s.SetRemoteDataPointsDownloaded(ctx, sensor.ID); err != nil {
		t.Fatalf("SetRemoteDataPointsDownloaded: %v", err)
	}
	got, err := s.GetSensor(ctx, "phone", "hr")
	if err != nil {
		t.Fatal(err)
	}
	if !got.RemoteDataPointsDownloaded {
		t.Error("flag not persisted")
	}
}

func TestDeletionRequests_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req, err := s.CreateDeletionRequest(ctx, model.DataDeletionRequest{
		SourceName: "phone",
		SensorName: "hr",
		Start:      model.Int64(100),
	})
	if err != nil {
		t.Fatalf("CreateDeletionRequest: %v", err)
	}
	if req.ID == "" {
		t.Fatal("no ID generated")
	}
	if req.UserID != "user-1" {
		t.Errorf("UserID = %q, want the store's user", req.UserID)
	}

	reqs, err := s.ListDeletionRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Fatalf("listed %d requests, want 1", len(reqs))
	}
	if reqs[0].Start == nil || *reqs[0].Start != 100 {
		t.Errorf("Start = %v, want 100", reqs[0].Start)
	}
	if reqs[0].End != nil {
		t.Errorf("End = %v, want nil (open-ended)", reqs[0].End)
	}

	if err := s.DeleteDeletionRequest(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	reqs, err = s.ListDeletionRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 0 {
		t.Errorf("requests remain after delete: %v", reqs)
	}
}

func TestSources_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSource(ctx, model.Source{Name: "phone", DeviceUUID: "ab-cd"})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if created.ID == 0 {
		t.Error("no ID assigned")
	}

	got, err := s.GetSource(ctx, "phone")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got.DeviceUUID != "ab-cd" {
		t.Errorf("DeviceUUID = %q", got.DeviceUUID)
	}

	if _, err := s.GetSource(ctx, "missing"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("error = %v, want ErrSourceNotFound", err)
	}
}
