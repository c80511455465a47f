// Package coreevents defines the typed events carried on the shared
// events.Bus between the pipeline's components. Keeping them in one
// package (rather than scattered across the packages that publish
// them) avoids import cycles, since several components both publish
// and subscribe to events owned conceptually by another component.
package coreevents

import (
	"time"

	"github.com/presence-solutions/roomd/internal/model"
)

// RawScanEvent carries a single BLE observation from the MQTT adapter
// into the heartbeat engine.
type RawScanEvent struct {
	Scan model.RawScan
}

// DeviceSignalEvent is emitted for every accepted raw scan, after
// Kalman filtering, for consumption by the learning recorder.
type DeviceSignalEvent struct {
	DeviceID    int
	ScannerUUID string
	RSSI        float64
	When        time.Time
}

// HeartbeatEvent is published at most once per heartbeat period, and
// only when the derived vector differs from the previous one.
type HeartbeatEvent struct {
	DeviceID  int
	Signals   map[string]float64 // nil means "none"
	Timestamp time.Time
}

// OccupancyEvent carries per-room occupancy probabilities for a
// device, as produced by the predictor for one heartbeat tick.
type OccupancyEvent struct {
	DeviceID      int
	RoomOccupancy []model.RoomOccupancy
}

// LearntDeviceSignalEvent notifies UIs of recording progress while a
// learning session is active.
type LearntDeviceSignalEvent struct {
	DeviceID int
	RoomID   int
	IsEnough bool
}

// RoomStateChangeEvent is emitted whenever a room's committed
// occupancy or active device set changes.
type RoomStateChangeEvent struct {
	RoomID        int
	State         bool
	ActiveDevices []int
}

// MQTTConnectedEvent signals the adapter has (re-)established a
// broker connection.
type MQTTConnectedEvent struct{}

// MQTTDisconnectedEvent signals the adapter lost its broker
// connection and has begun reconnecting.
type MQTTDisconnectedEvent struct {
	Err error
}

// DeviceAddedEvent is emitted by the repository after a Device is
// created.
type DeviceAddedEvent struct {
	Device model.Device
}

// DeviceRemovedEvent is emitted by the repository after a Device is
// deleted.
type DeviceRemovedEvent struct {
	Device model.Device
}

// RoomAddedEvent is emitted by the repository after a Room is
// created.
type RoomAddedEvent struct {
	Room model.Room
}

// RoomRemovedEvent is emitted by the repository after a Room is
// deleted.
type RoomRemovedEvent struct {
	Room model.Room
}

// ScannerChangedEvent is emitted by the repository after any
// Scanner create/update/delete, used to invalidate the inputs-hash
// cache.
type ScannerChangedEvent struct{}

// StartRecordingSignalsEvent requests a new learning session for
// (Device, Room).
type StartRecordingSignalsEvent struct {
	DeviceID int
	RoomID   int
}

// StopRecordingSignalsEvent requests the active learning session, if
// any, be closed.
type StopRecordingSignalsEvent struct{}

// TrainingProgressEvent reports progress of an asynchronous training
// run.
type TrainingProgressEvent struct {
	DeviceID  int
	Message   string
	IsError   bool
	IsFinal   bool
}
