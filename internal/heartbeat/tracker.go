// Package heartbeat implements the HeartbeatEngine: one DeviceTracker
// per known Device, each running a fixed-cadence loop that turns raw
// BLE scans into filtered per-scanner RSSI vectors.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/presence-solutions/roomd/internal/config"
	"github.com/presence-solutions/roomd/internal/coreevents"
	"github.com/presence-solutions/roomd/internal/kalman"
)

type scanSample struct {
	scannerUUID string
	rssi        float64
	when        time.Time
}

// deviceTracker owns one Device's cadence loop, pending buffer, and
// per-scanner Kalman filters.
type deviceTracker struct {
	mu sync.Mutex

	deviceID int
	cfg      config.TunablesConfig
	publish  func(ctx context.Context, event any)

	scanners   map[string]struct{} // known scanner UUIDs
	filters    map[string]*kalman.Filter
	values     map[string]float64
	lastSeen   map[string]time.Time // last_signal
	lastChange map[string]time.Time

	pending  []scanSample
	previous map[string]float64 // last published heartbeat, nil if none published yet

	timer   *time.Timer
	stopped bool
}

func newDeviceTracker(deviceID int, cfg config.TunablesConfig, scanners []string, publish func(ctx context.Context, event any)) *deviceTracker {
	t := &deviceTracker{
		deviceID:   deviceID,
		cfg:        cfg,
		publish:    publish,
		scanners:   make(map[string]struct{}, len(scanners)),
		filters:    make(map[string]*kalman.Filter),
		values:     make(map[string]float64),
		lastSeen:   make(map[string]time.Time),
		lastChange: make(map[string]time.Time),
	}
	for _, s := range scanners {
		t.scanners[s] = struct{}{}
	}
	return t
}

func (t *deviceTracker) setScanners(scanners []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanners = make(map[string]struct{}, len(scanners))
	for _, s := range scanners {
		t.scanners[s] = struct{}{}
	}
}

// start schedules the first cadence tick. Must be called at most once.
func (t *deviceTracker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduleLocked()
}

func (t *deviceTracker) scheduleLocked() {
	if t.stopped {
		return
	}
	period := time.Duration(t.cfg.HeartbeatPeriodSeconds * float64(time.Second))
	t.timer = time.AfterFunc(period, t.tick)
}

// stop cancels the cadence timer deterministically. Safe to call more
// than once.
func (t *deviceTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// acceptScan appends a raw scan sample to the pending buffer. Called
// from the engine for every matched RawScanEvent.
func (t *deviceTracker) acceptScan(scannerUUID string, rssi float64, when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, scanSample{scannerUUID: scannerUUID, rssi: rssi, when: when})
}

// resetForRecording clears filters and values, keeping the cadence
// running, so a new learning session starts from a clean baseline.
func (t *deviceTracker) resetForRecording() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters = make(map[string]*kalman.Filter)
	t.values = make(map[string]float64)
	t.previous = nil
}

func (t *deviceTracker) tick() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	var toPublish []any

	now := time.Now()
	seenThisTick := make(map[string]bool, len(t.pending))

	for _, sample := range t.pending {
		f, ok := t.filters[sample.scannerUUID]
		if !ok {
			f = kalman.New(t.cfg.KalmanQ, t.cfg.KalmanR)
			t.filters[sample.scannerUUID] = f
		}
		t.values[sample.scannerUUID] = f.Filter(sample.rssi)
		t.lastSeen[sample.scannerUUID] = sample.when
		t.lastChange[sample.scannerUUID] = sample.when
		seenThisTick[sample.scannerUUID] = true
		t.scanners[sample.scannerUUID] = struct{}{}

		toPublish = append(toPublish, coreevents.DeviceSignalEvent{
			DeviceID:    t.deviceID,
			ScannerUUID: sample.scannerUUID,
			RSSI:        sample.rssi,
			When:        sample.when,
		})
	}
	t.pending = t.pending[:0]

	turnOff := time.Duration(t.cfg.TurnOffSeconds * float64(time.Second))
	longDelay := time.Duration(t.cfg.LongDelaySeconds * float64(time.Second))

	for scanner := range t.scanners {
		if seenThisTick[scanner] {
			continue
		}

		last, everSeen := t.lastSeen[scanner]
		if everSeen && now.Sub(last) >= turnOff {
			t.filters[scanner] = kalman.New(t.cfg.KalmanQ, t.cfg.KalmanR)
			t.values[scanner] = t.filters[scanner].Reset(-100)
			t.lastSeen[scanner] = now
			t.lastChange[scanner] = now
			continue
		}

		lastChange, changed := t.lastChange[scanner]
		if changed && now.Sub(lastChange) >= longDelay {
			if f, ok := t.filters[scanner]; ok {
				t.values[scanner] = f.Filter(-100)
			} else {
				f = kalman.New(t.cfg.KalmanQ, t.cfg.KalmanR)
				t.filters[scanner] = f
				t.values[scanner] = f.Filter(-100)
			}
			t.lastChange[scanner] = now
			continue
		}

		if t.cfg.SilentPenaltyEnabled {
			current, ok := t.values[scanner]
			if !ok {
				current = -100
			}
			v := current - t.cfg.SilentPenaltyAmount
			if v < -100 {
				v = -100
			}
			t.values[scanner] = v
		}
	}

	heartbeat := make(map[string]float64, len(t.values))
	maxVal := -100.0
	for k, v := range t.values {
		heartbeat[k] = v
		if v > maxVal {
			maxVal = v
		}
	}

	if len(heartbeat) > 0 && !mapsEqual(heartbeat, t.previous) {
		var signals map[string]float64
		if maxVal > -99 {
			signals = heartbeat
		}
		t.previous = heartbeat
		toPublish = append(toPublish, coreevents.HeartbeatEvent{
			DeviceID:  t.deviceID,
			Signals:   signals,
			Timestamp: now,
		})
	}

	t.scheduleLocked()
	t.mu.Unlock()

	// Published outside the lock: bus handlers must never block the
	// cadence timer, and must never be able to deadlock against it by
	// calling back into the tracker.
	for _, event := range toPublish {
		t.publish(context.Background(), event)
	}
}

func mapsEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
