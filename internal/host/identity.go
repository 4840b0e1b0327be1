package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/climanger/relay/internal/auth"
)

// Identity is the host's persistent device identity. The device id is the
// stable address of this machine's room on the relay.
type Identity struct {
	Version    int    `json:"version"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	PublicKey  string `json:"public_key,omitempty"`
	CreatedAt  int64  `json:"created_at_ms"`
}

func identityPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "climanger", "device.json"), nil
}

// LoadOrCreateIdentity reads the stored identity, generating and persisting
// a fresh one when missing or invalid.
func LoadOrCreateIdentity() (*Identity, error) {
	path, err := identityPath()
	if err != nil {
		return nil, fmt.Errorf("identity path: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err == nil && id.Version == 1 && auth.ValidDeviceID(id.DeviceID) {
			return &id, nil
		}
	}

	deviceID, err := auth.GenerateDeviceID()
	if err != nil {
		return nil, err
	}
	name, _ := os.Hostname()
	id := &Identity{
		Version:    1,
		DeviceID:   deviceID,
		DeviceName: name,
		CreatedAt:  time.Now().UnixMilli(),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err == nil {
		if data, err := json.Marshal(id); err == nil {
			os.WriteFile(path, data, 0600)
		}
	}
	return id, nil
}
