// Package model defines the persisted and transient entities shared
// across the occupancy pipeline: Devices, Rooms, Scanners, trained
// PredictionModels, LearningSessions and the DeviceSignals recorded
// during them, plus the transient RawScan/Heartbeat/DeviceState types
// that never touch storage.
package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Device is a tracked mobile device. Its derived identifier — the key
// scanners publish raw scans under — is Name when UseNameAsID is set,
// otherwise UUID.
type Device struct {
	ID                int
	Name              string
	UUID              string
	UseNameAsID       bool
	DisplayName       string
	PredictionModelID int // 0 means none
}

// Identifier returns the derived key scanners publish under.
func (d Device) Identifier() string {
	if d.UseNameAsID {
		return d.Name
	}
	return d.UUID
}

// DisplayNameOrDefault returns DisplayName, falling back to Name when
// unset — the same presentation convenience the original API's
// serializer applies.
func (d Device) DisplayNameOrDefault() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// Room is a space occupancy is tracked for.
type Room struct {
	ID   int
	Name string
}

// Scanner is a fixed BLE scanner. It may be associated with zero or
// more Rooms; that association is informational only for this core.
type Scanner struct {
	ID          int
	UUID        string
	DisplayName string
}

// DisplayNameOrDefault returns DisplayName, falling back to UUID.
func (s Scanner) DisplayNameOrDefault() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.UUID
}

// PredictionModel is a trained per-device room classifier.
type PredictionModel struct {
	ID         int
	Accuracy   float64
	InputsHash string
	Blob       []byte
	DeviceIDs  []int
}

// InputsHash computes the canonical fingerprint of a Room/Scanner id
// set: sorted(roomIDs) + "|" + sorted(scannerIDs), each joined by ".".
// It is a pure function of the id multisets and invariant under
// reordering of the input slices.
func InputsHash(roomIDs, scannerIDs []int) string {
	return joinSorted(roomIDs) + "|" + joinSorted(scannerIDs)
}

func joinSorted(ids []int) string {
	cp := append([]int(nil), ids...)
	sort.Ints(cp)
	parts := make([]string, len(cp))
	for i, id := range cp {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ".")
}

// LearningSession is one Start/Stop recording cycle pairing a Device
// with a Room.
type LearningSession struct {
	ID        string
	DeviceID  int
	RoomID    int
	CreatedAt time.Time
}

// DeviceSignal is a persisted, labelled (or unlabelled) RSSI sample.
type DeviceSignal struct {
	ID                int
	LearningSessionID  string // empty when recorded outside a session
	DeviceID           int
	RoomID             int
	ScannerID          int
	RSSI               float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RawScan is a single BLE observation forwarded by a scanner. Never
// persisted directly.
type RawScan struct {
	ScannerUUID string
	DeviceKey   string
	RSSI        float64
	When        time.Time
}

// Heartbeat is a periodic per-device vector of filtered RSSI values,
// one slot per known scanner.
type Heartbeat struct {
	DeviceID  int
	Values    map[string]float64 // scanner UUID -> filtered RSSI, nil when signals is "none"
	Timestamp time.Time
}

// PendingRoomState tracks a candidate room-occupancy transition that
// has not yet been committed, per the two-threshold debouncer in the
// occupancy state machine.
type PendingRoomState struct {
	LastState     bool
	AppearedAt    time.Time
	AppearedTimes int
}

// DeviceState is the committed and pending per-room occupancy state
// for one device.
type DeviceState struct {
	DeviceID int
	InRooms  map[int]bool
	Pending  map[int]*PendingRoomState
}

// NewDeviceState returns an empty DeviceState for deviceID.
func NewDeviceState(deviceID int) *DeviceState {
	return &DeviceState{
		DeviceID: deviceID,
		InRooms:  make(map[int]bool),
		Pending:  make(map[int]*PendingRoomState),
	}
}

// RoomOccupancy is one room's predicted occupancy probability for a
// device, as produced by the Predictor.
type RoomOccupancy struct {
	RoomID int
	State  bool
	Proba  float64
}
