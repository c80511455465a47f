// Package learning implements the LearningRecorder: it turns a
// Start/Stop recording cycle for one (Device, Room) pair into
// persisted DeviceSignals, tracking per-scanner sample counts so UIs
// can tell when enough data has been collected.
package learning

import (
	"context"
	"log/slog"
	"sync"

	"github.com/presence-solutions/roomd/internal/coreevents"
	"github.com/presence-solutions/roomd/internal/events"
	"github.com/presence-solutions/roomd/internal/model"
	"github.com/presence-solutions/roomd/internal/repository"
)

const (
	minSamplesPerScanner    = 20
	minScannersWithEnough   = 3
	samplesForSingleScanner = 100
)

type activeSession struct {
	session model.LearningSession
	counts  map[int]int // scanner id -> sample count
}

// Recorder is the LearningRecorder component.
type Recorder struct {
	repo   repository.Repository
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	active *activeSession

	unsubs []events.Unsubscribe
}

// New creates a Recorder. Call Start to subscribe to the bus.
func New(repo repository.Repository, bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, bus: bus, logger: logger}
}

// Start subscribes the recorder to the events it reacts to.
func (r *Recorder) Start(context.Context) error {
	r.unsubs = append(r.unsubs,
		events.Subscribe(r.bus, r.onStartRecording),
		events.Subscribe(r.bus, r.onStopRecording),
		events.Subscribe(r.bus, r.onDeviceRemoved),
		events.Subscribe(r.bus, r.onRoomRemoved),
		events.Subscribe(r.bus, r.onDeviceSignal),
	)
	return nil
}

// Stop unsubscribes the recorder from the bus.
func (r *Recorder) Stop() {
	for _, unsub := range r.unsubs {
		unsub()
	}
}

func (r *Recorder) onStartRecording(ctx context.Context, event coreevents.StartRecordingSignalsEvent) error {
	session, err := r.repo.CreateLearningSession(ctx, event.DeviceID, event.RoomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.active = &activeSession{session: session, counts: make(map[int]int)}
	r.mu.Unlock()

	r.logger.Info("learning: recording started",
		"device_id", event.DeviceID, "room_id", event.RoomID, "session_id", session.ID)
	return nil
}

func (r *Recorder) onStopRecording(context.Context, coreevents.StopRecordingSignalsEvent) error {
	r.clearActive("stop requested")
	return nil
}

func (r *Recorder) onDeviceRemoved(ctx context.Context, event coreevents.DeviceRemovedEvent) error {
	r.mu.Lock()
	shouldClear := r.active != nil && r.active.session.DeviceID == event.Device.ID
	r.mu.Unlock()
	if !shouldClear {
		return nil
	}
	r.clearActive("device removed")
	r.bus.Publish(ctx, coreevents.StopRecordingSignalsEvent{})
	return nil
}

func (r *Recorder) onRoomRemoved(ctx context.Context, event coreevents.RoomRemovedEvent) error {
	r.mu.Lock()
	shouldClear := r.active != nil && r.active.session.RoomID == event.Room.ID
	r.mu.Unlock()
	if !shouldClear {
		return nil
	}
	r.clearActive("room removed")
	r.bus.Publish(ctx, coreevents.StopRecordingSignalsEvent{})
	return nil
}

func (r *Recorder) clearActive(reason string) {
	r.mu.Lock()
	hadActive := r.active != nil
	r.active = nil
	r.mu.Unlock()
	if hadActive {
		r.logger.Info("learning: recording stopped", "reason", reason)
	}
}

func (r *Recorder) onDeviceSignal(ctx context.Context, event coreevents.DeviceSignalEvent) error {
	r.mu.Lock()
	active := r.active
	if active == nil || active.session.DeviceID != event.DeviceID {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	scanner, err := r.repo.GetScanner(ctx, event.ScannerUUID)
	if err != nil {
		r.logger.Warn("learning: unknown scanner in recorded signal", "scanner_uuid", event.ScannerUUID, "error", err)
		return nil
	}

	if _, err := r.repo.CreateSignal(ctx, model.DeviceSignal{
		LearningSessionID: active.session.ID,
		DeviceID:          active.session.DeviceID,
		RoomID:            active.session.RoomID,
		ScannerID:         scanner.ID,
		RSSI:              event.RSSI,
		CreatedAt:         event.When,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	if r.active == nil || r.active != active {
		r.mu.Unlock()
		return nil
	}
	active.counts[scanner.ID]++
	isEnough := r.isEnoughLocked(ctx, active)
	deviceID, roomID := active.session.DeviceID, active.session.RoomID
	r.mu.Unlock()

	r.bus.Publish(ctx, coreevents.LearntDeviceSignalEvent{
		DeviceID: deviceID,
		RoomID:   roomID,
		IsEnough: isEnough,
	})
	return nil
}

// isEnoughLocked reports whether enough samples have been collected
// for the active session: true iff the number of scanners with at
// least minSamplesPerScanner samples is at least
// min(totalScanners, minScannersWithEnough), or any single scanner has
// reached samplesForSingleScanner. Must be called with r.mu held.
func (r *Recorder) isEnoughLocked(ctx context.Context, active *activeSession) bool {
	scanners, err := r.repo.ListScanners(ctx)
	if err != nil {
		r.logger.Warn("learning: list scanners failed", "error", err)
		return false
	}

	threshold := minScannersWithEnough
	if len(scanners) < threshold {
		threshold = len(scanners)
	}

	withEnough := 0
	for _, count := range active.counts {
		if count >= samplesForSingleScanner {
			return true
		}
		if count >= minSamplesPerScanner {
			withEnough++
		}
	}
	return withEnough >= threshold
}
