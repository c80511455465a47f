// Package predict implements the Predictor pipeline component:
// training per-device classifiers from recorded signals and running
// inference on each HeartbeatEvent to emit room-occupancy
// probabilities.
package predict

import (
	"context"
	"log/slog"
	"sync"

	"github.com/presence-solutions/roomd/internal/coreevents"
	"github.com/presence-solutions/roomd/internal/events"
	"github.com/presence-solutions/roomd/internal/model"
	"github.com/presence-solutions/roomd/internal/repository"
	"github.com/presence-solutions/roomd/internal/workerpool"
)

type cachedModel struct {
	model      Model
	inputsHash string
}

// Predictor is the live prediction component. It keeps a deserialized
// copy of each device's trained model in memory, invalidating it
// whenever the set of rooms or scanners changes, and runs inference on
// a bounded worker pool so a slow classifier never blocks the
// heartbeat cadence.
type Predictor struct {
	repo   repository.Repository
	bus    *events.Bus
	pool   *workerpool.Pool
	logger *slog.Logger

	mu                sync.Mutex
	models            map[int]*cachedModel // device id -> cached model
	currentInputsHash string

	unsubs []events.Unsubscribe
}

// New creates a Predictor. Call Start to subscribe to the bus.
func New(repo repository.Repository, bus *events.Bus, pool *workerpool.Pool, logger *slog.Logger) *Predictor {
	if logger == nil {
		logger = slog.Default()
	}
	if pool == nil {
		pool = workerpool.New(0)
	}
	return &Predictor{
		repo:   repo,
		bus:    bus,
		pool:   pool,
		logger: logger,
		models: make(map[int]*cachedModel),
	}
}

// Start subscribes the predictor to the events it reacts to and
// primes the cache from devices that already have a trained model.
func (p *Predictor) Start(ctx context.Context) error {
	p.unsubs = append(p.unsubs,
		events.Subscribe(p.bus, p.onDeviceAdded),
		events.Subscribe(p.bus, p.onDeviceRemoved),
		events.Subscribe(p.bus, p.onRoomAdded),
		events.Subscribe(p.bus, p.onRoomRemoved),
		events.Subscribe(p.bus, p.onScannerChanged),
		events.Subscribe(p.bus, p.onHeartbeat),
	)

	devices, err := p.repo.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		p.loadModel(ctx, d)
	}
	return nil
}

// Stop unsubscribes the predictor from the bus.
func (p *Predictor) Stop() {
	for _, unsub := range p.unsubs {
		unsub()
	}
}

func (p *Predictor) onDeviceAdded(ctx context.Context, event coreevents.DeviceAddedEvent) error {
	p.loadModel(ctx, event.Device)
	return nil
}

func (p *Predictor) loadModel(ctx context.Context, d model.Device) {
	if d.PredictionModelID == 0 {
		return
	}
	pm, err := p.repo.GetPredictionModel(ctx, d.ID)
	if err != nil {
		p.logger.Warn("predict: failed to load model", "device_id", d.ID, "error", err)
		return
	}
	if pm == nil {
		return
	}
	jm, err := UnmarshalModel(pm.Blob)
	if err != nil {
		p.logger.Warn("predict: failed to unmarshal model", "device_id", d.ID, "error", err)
		return
	}

	p.mu.Lock()
	p.models[d.ID] = &cachedModel{model: jm, inputsHash: pm.InputsHash}
	p.mu.Unlock()
}

func (p *Predictor) onDeviceRemoved(_ context.Context, event coreevents.DeviceRemovedEvent) error {
	p.mu.Lock()
	delete(p.models, event.Device.ID)
	p.mu.Unlock()
	return nil
}

func (p *Predictor) onRoomAdded(_ context.Context, _ coreevents.RoomAddedEvent) error {
	p.invalidateInputsHash()
	return nil
}

func (p *Predictor) onRoomRemoved(_ context.Context, _ coreevents.RoomRemovedEvent) error {
	p.invalidateInputsHash()
	return nil
}

func (p *Predictor) onScannerChanged(_ context.Context, _ coreevents.ScannerChangedEvent) error {
	p.invalidateInputsHash()
	return nil
}

// invalidateInputsHash clears the predictor's cached view of "current"
// inputs hash, forcing the next heartbeat to recompute and compare it
// against each cached model's trained hash.
func (p *Predictor) invalidateInputsHash() {
	p.mu.Lock()
	p.currentInputsHash = ""
	p.mu.Unlock()
}

func (p *Predictor) onHeartbeat(ctx context.Context, event coreevents.HeartbeatEvent) error {
	p.mu.Lock()
	cached, ok := p.models[event.DeviceID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if event.Signals == nil {
		return p.bus.Publish(ctx, coreevents.OccupancyEvent{DeviceID: event.DeviceID, RoomOccupancy: nil})
	}

	currentHash, err := p.computeCurrentInputsHash(ctx)
	if err != nil {
		p.logger.Warn("predict: failed to compute inputs hash", "error", err)
		return nil
	}
	if currentHash != cached.inputsHash {
		p.logger.Warn("predict: model stale, skipping prediction",
			"device_id", event.DeviceID, "trained_hash", cached.inputsHash, "current_hash", currentHash)
		return nil
	}

	var (
		result map[int]float64
		runErr error
	)
	err = p.pool.Run(ctx, func() {
		result, runErr = cached.model.Predict(event.Signals)
	})
	if err != nil {
		return err
	}
	if runErr != nil {
		p.logger.Warn("predict: inference failed", "device_id", event.DeviceID, "error", runErr)
		return nil
	}

	occupancy := make([]model.RoomOccupancy, 0, len(result))
	for roomID, proba := range result {
		occupancy = append(occupancy, model.RoomOccupancy{RoomID: roomID, State: true, Proba: proba})
	}

	return p.bus.Publish(ctx, coreevents.OccupancyEvent{DeviceID: event.DeviceID, RoomOccupancy: occupancy})
}

// computeCurrentInputsHash recomputes the inputs hash from the
// repository's current room and scanner sets, caching it until the
// next topology-changing event invalidates it.
func (p *Predictor) computeCurrentInputsHash(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.currentInputsHash != "" {
		h := p.currentInputsHash
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	rooms, err := p.repo.ListRooms(ctx)
	if err != nil {
		return "", err
	}
	scanners, err := p.repo.ListScanners(ctx)
	if err != nil {
		return "", err
	}

	roomIDs := make([]int, len(rooms))
	for i, r := range rooms {
		roomIDs[i] = r.ID
	}
	scannerIDs := make([]int, len(scanners))
	for i, sc := range scanners {
		scannerIDs[i] = sc.ID
	}

	hash := model.InputsHash(roomIDs, scannerIDs)

	p.mu.Lock()
	p.currentInputsHash = hash
	p.mu.Unlock()

	return hash, nil
}

// Train retrains and persists the model for deviceID, publishing
// TrainingProgressEvent updates, and refreshes the predictor's cache
// with the new model on success.
func (p *Predictor) Train(ctx context.Context, deviceID int) error {
	publish := func(message string, isError, isFinal bool) {
		p.bus.Publish(ctx, coreevents.TrainingProgressEvent{
			DeviceID: deviceID, Message: message, IsError: isError, IsFinal: isFinal,
		})
	}

	publish("training started", false, false)

	var (
		pm  model.PredictionModel
		err error
	)
	runErr := p.pool.Run(ctx, func() {
		pm, err = Train(ctx, p.repo, deviceID)
	})
	if runErr != nil {
		publish(runErr.Error(), true, true)
		return runErr
	}
	if err != nil {
		publish(err.Error(), true, true)
		return err
	}

	pm.DeviceIDs = []int{deviceID}
	if _, err := p.repo.SavePredictionModel(ctx, pm); err != nil {
		publish(err.Error(), true, true)
		return err
	}

	d, err := p.repo.GetDevice(ctx, deviceID)
	if err != nil {
		publish(err.Error(), true, true)
		return err
	}
	p.loadModel(ctx, d)

	publish("training complete", false, true)
	return nil
}
