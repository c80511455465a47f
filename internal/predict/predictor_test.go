package predict

import (
	"context"
	"testing"
	"time"

	"github.com/presence-solutions/roomd/internal/coreevents"
	"github.com/presence-solutions/roomd/internal/events"
	"github.com/presence-solutions/roomd/internal/model"
	"github.com/presence-solutions/roomd/internal/repository"
	"github.com/presence-solutions/roomd/internal/workerpool"
)

func newTestPredictor(t *testing.T) (*Predictor, *repository.SQLiteStore, *events.Bus) {
	t.Helper()
	bus := events.New(nil, nil)
	repo, err := repository.Open(":memory:", bus)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	p := New(repo, bus, workerpool.New(2), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(p.Stop)
	return p, repo, bus
}

func trainedDevice(t *testing.T, repo *repository.SQLiteStore) (model.Device, model.Room, model.Scanner) {
	t.Helper()
	ctx := context.Background()

	d, _ := repo.CreateDevice(ctx, model.Device{Name: "phone", UUID: "u1"})
	room, _ := repo.CreateRoom(ctx, model.Room{Name: "kitchen"})
	sc, _ := repo.CreateScanner(ctx, model.Scanner{UUID: "scanner-a"})

	seedSignals(t, repo, d.ID, room.ID, sc.ID, -40, 25)

	pm, err := Train(ctx, repo, d.ID)
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	saved, err := repo.SavePredictionModel(ctx, pm)
	if err != nil {
		t.Fatalf("SavePredictionModel() error = %v", err)
	}
	d, err = repo.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if d.PredictionModelID != saved.ID {
		t.Fatalf("device.PredictionModelID = %d, want %d", d.PredictionModelID, saved.ID)
	}
	return d, room, sc
}

func TestHeartbeatWithCachedModelEmitsOccupancy(t *testing.T) {
	p, repo, bus := newTestPredictor(t)
	ctx := context.Background()

	d, room, sc := trainedDevice(t, repo)
	p.loadModel(ctx, d)

	received := make(chan coreevents.OccupancyEvent, 1)
	events.Subscribe(bus, func(_ context.Context, e coreevents.OccupancyEvent) error {
		received <- e
		return nil
	})

	bus.Publish(ctx, coreevents.HeartbeatEvent{
		DeviceID:  d.ID,
		Signals:   map[string]float64{sc.UUID: -40},
		Timestamp: time.Now(),
	})

	select {
	case e := <-received:
		if len(e.RoomOccupancy) != 1 || e.RoomOccupancy[0].RoomID != room.ID {
			t.Errorf("OccupancyEvent = %+v, want single entry for room %d", e, room.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OccupancyEvent")
	}
}

func TestHeartbeatWithNoCachedModelEmitsNothing(t *testing.T) {
	p, repo, bus := newTestPredictor(t)
	ctx := context.Background()

	d, _ := repo.CreateDevice(ctx, model.Device{Name: "no-model", UUID: "u2"})

	received := make(chan coreevents.OccupancyEvent, 1)
	events.Subscribe(bus, func(_ context.Context, e coreevents.OccupancyEvent) error {
		received <- e
		return nil
	})

	bus.Publish(ctx, coreevents.HeartbeatEvent{DeviceID: d.ID, Signals: map[string]float64{"scanner-a": -40}})

	select {
	case e := <-received:
		t.Fatalf("expected no OccupancyEvent, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
	_ = p
}

func TestHeartbeatWithNilSignalsEmitsEmptyOccupancy(t *testing.T) {
	p, repo, bus := newTestPredictor(t)
	ctx := context.Background()

	d, _, _ := trainedDevice(t, repo)
	p.loadModel(ctx, d)

	received := make(chan coreevents.OccupancyEvent, 1)
	events.Subscribe(bus, func(_ context.Context, e coreevents.OccupancyEvent) error {
		received <- e
		return nil
	})

	bus.Publish(ctx, coreevents.HeartbeatEvent{DeviceID: d.ID, Signals: nil})

	select {
	case e := <-received:
		if e.RoomOccupancy != nil {
			t.Errorf("RoomOccupancy = %v, want nil for absent device", e.RoomOccupancy)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OccupancyEvent")
	}
}

func TestScannerChangedInvalidatesStaleModelSkipsPrediction(t *testing.T) {
	p, repo, bus := newTestPredictor(t)
	ctx := context.Background()

	d, _, sc := trainedDevice(t, repo)
	p.loadModel(ctx, d)

	// Adding a new scanner changes the current inputs hash; the cached
	// model's trained hash no longer matches, so prediction should be
	// skipped rather than run against a stale feature space.
	if _, err := repo.CreateScanner(ctx, model.Scanner{UUID: "scanner-b"}); err != nil {
		t.Fatalf("CreateScanner() error = %v", err)
	}

	received := make(chan coreevents.OccupancyEvent, 1)
	events.Subscribe(bus, func(_ context.Context, e coreevents.OccupancyEvent) error {
		received <- e
		return nil
	})

	bus.Publish(ctx, coreevents.HeartbeatEvent{DeviceID: d.ID, Signals: map[string]float64{sc.UUID: -40}})

	select {
	case e := <-received:
		t.Fatalf("expected prediction to be skipped for stale model, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeviceRemovedEvictsCachedModel(t *testing.T) {
	p, repo, bus := newTestPredictor(t)
	ctx := context.Background()

	d, _, _ := trainedDevice(t, repo)
	p.loadModel(ctx, d)

	p.mu.Lock()
	_, ok := p.models[d.ID]
	p.mu.Unlock()
	if !ok {
		t.Fatal("expected model to be cached before removal")
	}

	bus.Publish(ctx, coreevents.DeviceRemovedEvent{Device: d})

	p.mu.Lock()
	_, ok = p.models[d.ID]
	p.mu.Unlock()
	if ok {
		t.Error("expected cached model to be evicted after DeviceRemovedEvent")
	}
}

func TestTrainPersistsAndRefreshesCache(t *testing.T) {
	p, repo, bus := newTestPredictor(t)
	ctx := context.Background()

	d, _ := repo.CreateDevice(ctx, model.Device{Name: "phone", UUID: "u1"})
	room, _ := repo.CreateRoom(ctx, model.Room{Name: "kitchen"})
	sc, _ := repo.CreateScanner(ctx, model.Scanner{UUID: "scanner-a"})
	seedSignals(t, repo, d.ID, room.ID, sc.ID, -40, 25)

	progress := make(chan coreevents.TrainingProgressEvent, 4)
	events.Subscribe(bus, func(_ context.Context, e coreevents.TrainingProgressEvent) error {
		progress <- e
		return nil
	})

	if err := p.Train(ctx, d.ID); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	p.mu.Lock()
	_, ok := p.models[d.ID]
	p.mu.Unlock()
	if !ok {
		t.Fatal("expected Train to populate the model cache")
	}

	sawFinal := false
	for i := 0; i < 2; i++ {
		select {
		case e := <-progress:
			if e.IsFinal {
				sawFinal = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for TrainingProgressEvent")
		}
	}
	if !sawFinal {
		t.Error("expected a final TrainingProgressEvent")
	}
}
