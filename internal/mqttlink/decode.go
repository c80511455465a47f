package mqttlink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/presence-solutions/roomd/internal/model"
)

// scanPayload is the wire shape of a room_presence/<scanner_uuid>
// message. rssi and when may arrive as either JSON numbers or
// strings, hence json.Number.
type scanPayload struct {
	UUID string      `json:"uuid"`
	Name string      `json:"name"`
	RSSI json.Number `json:"rssi"`
	When json.Number `json:"when"`
}

// scannerUUIDFromTopic extracts the scanner UUID suffix from an
// inbound topic of the form "room_presence/<scanner_uuid>". Reports
// ok=false for a topic with no suffix (bare "room_presence").
func scannerUUIDFromTopic(topic string) (string, bool) {
	const prefix = "room_presence/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	suffix := topic[len(prefix):]
	if suffix == "" {
		return "", false
	}
	return suffix, true
}

// deviceKey normalizes a payload's uuid field into the canonical key
// trackers match against: lowercased, with colons stripped.
func deviceKey(rawUUID string) string {
	return strings.ReplaceAll(strings.ToLower(rawUUID), ":", "")
}

// decodeScan parses a room_presence payload for scannerUUID into a
// RawScan. rssi defaults to -100 when absent or out of float64 range;
// a non-numeric rssi fails JSON decoding and the payload is rejected.
// when defaults to now. An empty uuid field is rejected — it is the only
// field decodeScan cannot default.
func decodeScan(scannerUUID string, payload []byte, now time.Time) (model.RawScan, error) {
	var p scanPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.RawScan{}, fmt.Errorf("mqttlink: decode payload: %w", err)
	}
	if p.UUID == "" {
		return model.RawScan{}, fmt.Errorf("mqttlink: payload missing uuid")
	}

	rssi := -100.0
	if p.RSSI != "" {
		if v, err := p.RSSI.Float64(); err == nil {
			rssi = v
		}
	}

	when := now
	if p.When != "" {
		if v, err := p.When.Float64(); err == nil {
			when = time.Unix(int64(v), 0)
		}
	}

	return model.RawScan{
		ScannerUUID: scannerUUID,
		DeviceKey:   deviceKey(p.UUID),
		RSSI:        rssi,
		When:        when,
	}, nil
}
