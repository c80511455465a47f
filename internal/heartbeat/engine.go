package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/presence-solutions/roomd/internal/config"
	"github.com/presence-solutions/roomd/internal/coreevents"
	"github.com/presence-solutions/roomd/internal/events"
	"github.com/presence-solutions/roomd/internal/model"
	"github.com/presence-solutions/roomd/internal/repository"
)

// normalizeKey mirrors mqttlink's device_key normalization so tracker
// lookups by Device.UUID or Device.Name match the key decoded from an
// inbound scan payload.
func normalizeKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), ":", "")
}

// Engine is the HeartbeatEngine: it owns one deviceTracker per known
// Device and routes RawScanEvents to the tracker matching the scan's
// device_key.
type Engine struct {
	repo   repository.Repository
	bus    *events.Bus
	cfg    config.TunablesConfig
	logger *slog.Logger

	mu       sync.Mutex
	byKey    map[string]*deviceTracker // normalized uuid/name -> tracker
	byDevice map[int]*deviceTracker

	unsubs []events.Unsubscribe
}

// New creates an Engine. Call Start to load existing Devices and
// begin routing events.
func New(repo repository.Repository, bus *events.Bus, cfg config.TunablesConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:     repo,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		byKey:    make(map[string]*deviceTracker),
		byDevice: make(map[int]*deviceTracker),
	}
}

// Start subscribes to the bus and creates a tracker for every Device
// the repository already knows about.
func (e *Engine) Start(ctx context.Context) error {
	e.unsubs = append(e.unsubs,
		events.Subscribe(e.bus, e.onRawScan),
		events.Subscribe(e.bus, e.onDeviceAdded),
		events.Subscribe(e.bus, e.onDeviceRemoved),
		events.Subscribe(e.bus, e.onScannerChanged),
		events.Subscribe(e.bus, e.onStartRecording),
	)

	devices, err := e.repo.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		e.addTracker(ctx, d)
	}
	return nil
}

// Stop unsubscribes from the bus and cancels every tracker's cadence.
func (e *Engine) Stop() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.byDevice {
		t.stop()
	}
	e.byKey = make(map[string]*deviceTracker)
	e.byDevice = make(map[int]*deviceTracker)
}

func (e *Engine) scannerUUIDs(ctx context.Context) []string {
	scanners, err := e.repo.ListScanners(ctx)
	if err != nil {
		e.logger.Warn("heartbeat: list scanners failed", "error", err)
		return nil
	}
	uuids := make([]string, len(scanners))
	for i, s := range scanners {
		uuids[i] = s.UUID
	}
	return uuids
}

func (e *Engine) addTracker(ctx context.Context, d model.Device) {
	t := newDeviceTracker(d.ID, e.cfg, e.scannerUUIDs(ctx), func(ctx context.Context, event any) {
		e.bus.Publish(ctx, event)
	})

	e.mu.Lock()
	if existing, ok := e.byDevice[d.ID]; ok {
		existing.stop()
		delete(e.byDevice, d.ID)
		e.deleteKeyLocked(existing)
	}
	e.byDevice[d.ID] = t
	e.byKey[normalizeKey(d.UUID)] = t
	if d.Name != "" {
		e.byKey[normalizeKey(d.Name)] = t
	}
	e.mu.Unlock()

	t.start()
}

func (e *Engine) deleteKeyLocked(t *deviceTracker) {
	for k, v := range e.byKey {
		if v == t {
			delete(e.byKey, k)
		}
	}
}

func (e *Engine) onDeviceAdded(ctx context.Context, event coreevents.DeviceAddedEvent) error {
	e.addTracker(ctx, event.Device)
	return nil
}

func (e *Engine) onDeviceRemoved(_ context.Context, event coreevents.DeviceRemovedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.byDevice[event.Device.ID]
	if !ok {
		return nil
	}
	t.stop()
	delete(e.byDevice, event.Device.ID)
	e.deleteKeyLocked(t)
	return nil
}

func (e *Engine) onScannerChanged(ctx context.Context, _ coreevents.ScannerChangedEvent) error {
	uuids := e.scannerUUIDs(ctx)
	e.mu.Lock()
	trackers := make([]*deviceTracker, 0, len(e.byDevice))
	for _, t := range e.byDevice {
		trackers = append(trackers, t)
	}
	e.mu.Unlock()
	for _, t := range trackers {
		t.setScanners(uuids)
	}
	return nil
}

func (e *Engine) onStartRecording(_ context.Context, event coreevents.StartRecordingSignalsEvent) error {
	e.mu.Lock()
	t, ok := e.byDevice[event.DeviceID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	t.resetForRecording()
	return nil
}

func (e *Engine) onRawScan(ctx context.Context, event coreevents.RawScanEvent) error {
	e.mu.Lock()
	t, ok := e.byKey[normalizeKey(event.Scan.DeviceKey)]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	e.logger.Log(ctx, config.LevelSignal, "heartbeat: accepted scan",
		"device_key", event.Scan.DeviceKey, "scanner", event.Scan.ScannerUUID, "rssi", event.Scan.RSSI)
	t.acceptScan(event.Scan.ScannerUUID, event.Scan.RSSI, event.Scan.When)
	return nil
}
