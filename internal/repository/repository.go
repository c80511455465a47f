// Package repository abstracts persisted access to Devices, Rooms,
// Scanners, PredictionModels, LearningSessions and DeviceSignals. The
// core pipeline depends only on the Repository interface; schema
// ownership and migrations belong to the external collaborator this
// package's sqlite implementation stands in for.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/presence-solutions/roomd/internal/model"
)

// ErrNotFound is returned when a lookup by id/uuid finds nothing.
var ErrNotFound = errors.New("repository: not found")

// SignalFilter narrows ListSignals. Zero-value fields are not
// filtered on.
type SignalFilter struct {
	DeviceID          int
	RoomID            int
	ScannerID         int
	LearningSessionID string
}

// Repository is the abstract storage contract the core depends on.
// Implementations must emit DeviceAdded/DeviceRemoved and
// RoomAdded/RoomRemoved on the shared events.Bus as post-commit hooks,
// and must invalidate any Room/Scanner cache on mutation.
type Repository interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
	ListRooms(ctx context.Context) ([]model.Room, error)
	ListScanners(ctx context.Context) ([]model.Scanner, error)

	GetDevice(ctx context.Context, id int) (model.Device, error)
	GetScanner(ctx context.Context, uuid string) (model.Scanner, error)
	GetPredictionModel(ctx context.Context, deviceID int) (*model.PredictionModel, error)

	CreateDevice(ctx context.Context, d model.Device) (model.Device, error)
	DeleteDevice(ctx context.Context, id int) error

	CreateRoom(ctx context.Context, r model.Room) (model.Room, error)
	DeleteRoom(ctx context.Context, id int) error

	CreateScanner(ctx context.Context, s model.Scanner) (model.Scanner, error)
	DeleteScanner(ctx context.Context, id int) error

	CreateSignal(ctx context.Context, sig model.DeviceSignal) (model.DeviceSignal, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]model.DeviceSignal, error)

	CreateLearningSession(ctx context.Context, deviceID, roomID int) (model.LearningSession, error)

	// BulkCreateHeartbeats persists a batch of heartbeats to the
	// training-dataset log. Heartbeats are otherwise transient (§3);
	// this is the one place they're durably recorded. Nothing in this
	// interface reads the log back; training uses ListSignals.
	BulkCreateHeartbeats(ctx context.Context, heartbeats []model.Heartbeat) error

	SavePredictionModel(ctx context.Context, m model.PredictionModel) (model.PredictionModel, error)
}

// clock abstracts time.Now for tests.
type clock func() time.Time
