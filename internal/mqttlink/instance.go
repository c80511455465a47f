package mqttlink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceIDFile = "instance_id"

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file is missing or
// its contents don't parse as a UUID. The instance ID both suffixes
// the MQTT client ID (so restarts don't collide with a still-connected
// previous process) and is the stable Home Assistant device identifier
// every room's binary_sensor discovery payload shares, so HA groups
// every room sensor under one device page and keeps that grouping
// across restarts. A corrupt instance_id file would therefore also
// silently split every room sensor into a new HA device, so it is
// validated rather than trusted as-is.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
	}

	return generateInstanceID(path)
}

func generateInstanceID(path string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}
