package occupancy

import (
	"fmt"
	"strings"

	"github.com/presence-solutions/roomd/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across every binary_sensor discovery payload this instance
// publishes, so HA groups every room sensor under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// newDeviceInfo builds the shared DeviceInfo block from the adapter's
// persisted instance ID.
func newDeviceInfo(instanceID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         "roomd",
		Manufacturer: "presence-solutions",
		Model:        "roomd occupancy sensor",
		SWVersion:    buildinfo.Version,
	}
}

// binarySensorConfig is the JSON payload for an HA MQTT binary_sensor
// discovery message, published retained to the room's config topic.
type binarySensorConfig struct {
	Name        string     `json:"name"`
	DeviceClass string     `json:"device_class"`
	StateTopic  string     `json:"state_topic"`
	UniqueID    string     `json:"unique_id"`
	Device      DeviceInfo `json:"device"`
}

// roomTopics builds the discovery/config and state topics for a room.
type roomTopics struct {
	configTopic string
	stateTopic  string
}

func newRoomTopics(roomID int) roomTopics {
	base := fmt.Sprintf("homeassistant/binary_sensor/room_%d_occupancy/config", roomID)
	return roomTopics{
		configTopic: base + "/config",
		stateTopic:  base + "/state",
	}
}

func discoveryPayload(instanceID string, roomID int, roomName string, topics roomTopics) binarySensorConfig {
	uniqueID := fmt.Sprintf("room_occupancy.%d.%s", roomID, slugify(roomName))
	return binarySensorConfig{
		Name:        roomName + " Room Occupancy",
		DeviceClass: "occupancy",
		StateTopic:  topics.stateTopic,
		UniqueID:    uniqueID,
		Device:      newDeviceInfo(instanceID),
	}
}

func slugify(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

func statePayload(occupied bool) []byte {
	if occupied {
		return []byte("ON")
	}
	return []byte("OFF")
}
