// Package occupancy implements the OccupancySensor: the debounced
// device-in-room state machine and the Home Assistant MQTT discovery
// and state publisher built on top of it.
package occupancy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/presence-solutions/roomd/internal/config"
	"github.com/presence-solutions/roomd/internal/coreevents"
	"github.com/presence-solutions/roomd/internal/events"
	"github.com/presence-solutions/roomd/internal/model"
	"github.com/presence-solutions/roomd/internal/repository"
)

// Publisher is the subset of mqttlink.Adapter the sensor depends on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Sensor is the OccupancySensor component.
type Sensor struct {
	repo       repository.Repository
	bus        *events.Bus
	pub        Publisher
	instanceID string
	cfg        config.TunablesConfig
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	devices  map[int]*model.DeviceState
	rooms    map[int]*roomTracker
	unsubs   []events.Unsubscribe
}

// New creates a Sensor. Call Start to subscribe to the bus.
func New(repo repository.Repository, bus *events.Bus, pub Publisher, instanceID string, cfg config.TunablesConfig, logger *slog.Logger) *Sensor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sensor{
		repo:       repo,
		bus:        bus,
		pub:        pub,
		instanceID: instanceID,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		devices:    make(map[int]*model.DeviceState),
		rooms:      make(map[int]*roomTracker),
	}
}

// Start subscribes the sensor to the events it reacts to and primes
// room trackers for every room that already exists.
func (s *Sensor) Start(ctx context.Context) error {
	s.unsubs = append(s.unsubs,
		events.Subscribe(s.bus, s.onOccupancy),
		events.Subscribe(s.bus, s.onDeviceRemoved),
		events.Subscribe(s.bus, s.onRoomAdded),
		events.Subscribe(s.bus, s.onRoomRemoved),
		events.Subscribe(s.bus, s.onMQTTConnected),
	)

	rooms, err := s.repo.ListRooms(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, r := range rooms {
		s.rooms[r.ID] = newRoomTracker(r.ID, r.Name)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		s.publishDiscovery(ctx, r.ID, r.Name)
		s.publishState(ctx, r.ID, false)
	}
	return nil
}

// Stop unsubscribes the sensor from the bus.
func (s *Sensor) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
}

func (s *Sensor) onOccupancy(ctx context.Context, event coreevents.OccupancyEvent) error {
	observed := make(map[int]bool, len(event.RoomOccupancy))
	for _, ro := range event.RoomOccupancy {
		observed[ro.RoomID] = ro.State
	}

	now := s.now()

	s.mu.Lock()
	state, ok := s.devices[event.DeviceID]
	if !ok {
		state = model.NewDeviceState(event.DeviceID)
		s.devices[event.DeviceID] = state
	}
	changed := applyOccupancyEvent(state, observed, now, s.cfg.DeviceChangeStateSeconds, s.cfg.DeviceChangeStateBeats)

	type roomUpdate struct {
		roomID         int
		stateChanged   bool
		devicesChanged bool
		occupied       bool
		activeDevices  []int
		roomName       string
	}
	var updates []roomUpdate
	for roomID := range changed {
		tracker, ok := s.rooms[roomID]
		if !ok {
			continue
		}
		stateChanged, devicesChanged := tracker.setDeviceActive(event.DeviceID, state.InRooms[roomID])
		if stateChanged || devicesChanged {
			updates = append(updates, roomUpdate{
				roomID: roomID, stateChanged: stateChanged, devicesChanged: devicesChanged,
				occupied: tracker.state, activeDevices: tracker.activeDeviceIDs(), roomName: tracker.roomName,
			})
		}
	}
	s.mu.Unlock()

	for _, u := range updates {
		s.bus.Publish(ctx, coreevents.RoomStateChangeEvent{
			RoomID: u.roomID, State: u.occupied, ActiveDevices: u.activeDevices,
		})
		if u.stateChanged {
			s.publishState(ctx, u.roomID, u.occupied)
		}
	}
	return nil
}

func (s *Sensor) onDeviceRemoved(ctx context.Context, event coreevents.DeviceRemovedEvent) error {
	s.mu.Lock()
	delete(s.devices, event.Device.ID)
	var updates []struct {
		roomID   int
		occupied bool
	}
	for roomID, tracker := range s.rooms {
		if stateChanged, _ := tracker.setDeviceActive(event.Device.ID, false); stateChanged {
			updates = append(updates, struct {
				roomID   int
				occupied bool
			}{roomID, tracker.state})
		}
	}
	s.mu.Unlock()

	for _, u := range updates {
		s.bus.Publish(ctx, coreevents.RoomStateChangeEvent{RoomID: u.roomID, State: u.occupied})
		s.publishState(ctx, u.roomID, u.occupied)
	}
	return nil
}

func (s *Sensor) onRoomAdded(ctx context.Context, event coreevents.RoomAddedEvent) error {
	s.mu.Lock()
	s.rooms[event.Room.ID] = newRoomTracker(event.Room.ID, event.Room.Name)
	s.mu.Unlock()

	s.publishDiscovery(ctx, event.Room.ID, event.Room.Name)
	s.publishState(ctx, event.Room.ID, false)
	return nil
}

func (s *Sensor) onRoomRemoved(ctx context.Context, event coreevents.RoomRemovedEvent) error {
	s.mu.Lock()
	delete(s.rooms, event.Room.ID)
	s.mu.Unlock()

	topics := newRoomTopics(event.Room.ID)
	if err := s.pub.Publish(ctx, topics.configTopic, nil, true); err != nil {
		s.logger.Warn("occupancy: failed to clear discovery config", "room_id", event.Room.ID, "error", err)
	}
	return nil
}

// onMQTTConnected forces re-publication of every room's discovery
// config and current state, since a reconnect implies the broker (or
// its retained-message store) may have lost them.
func (s *Sensor) onMQTTConnected(ctx context.Context, _ coreevents.MQTTConnectedEvent) error {
	s.mu.Lock()
	rooms := make([]*roomTracker, 0, len(s.rooms))
	for _, t := range s.rooms {
		rooms = append(rooms, t)
	}
	s.mu.Unlock()

	for _, t := range rooms {
		s.publishDiscovery(ctx, t.roomID, t.roomName)
		s.publishState(ctx, t.roomID, t.state)
	}
	return nil
}

func (s *Sensor) publishDiscovery(ctx context.Context, roomID int, roomName string) {
	topics := newRoomTopics(roomID)
	payload := discoveryPayload(s.instanceID, roomID, roomName, topics)
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("occupancy: failed to marshal discovery payload", "room_id", roomID, "error", err)
		return
	}
	if err := s.pub.Publish(ctx, topics.configTopic, body, true); err != nil {
		s.logger.Warn("occupancy: failed to publish discovery config", "room_id", roomID, "error", err)
	}
}

func (s *Sensor) publishState(ctx context.Context, roomID int, occupied bool) {
	topics := newRoomTopics(roomID)
	if err := s.pub.Publish(ctx, topics.stateTopic, statePayload(occupied), true); err != nil {
		s.logger.Warn("occupancy: failed to publish state", "room_id", roomID, "error", err)
	}
}
