package host

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PairingInfo is what the desktop shows the user to pair a mobile client.
type PairingInfo struct {
	PIN       string `json:"pin"`
	ExpiresAt int64  `json:"expires_at"`
	QRData    string `json:"qr_data"`
}

// RequestPIN asks the relay to mint a pairing code for this device.
// relayHTTPURL is the REST origin, e.g. "https://relay.example.com".
func RequestPIN(relayHTTPURL, deviceID, deviceName string) (*PairingInfo, error) {
	body, err := json.Marshal(map[string]string{
		"device_id":   deviceID,
		"device_name": deviceName,
	})
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(relayHTTPURL+"/pin/create", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pin create: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool        `json:"success"`
		Data    PairingInfo `json:"data"`
		Error   string      `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("pin create: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return nil, fmt.Errorf("pin create: status %d: %s", resp.StatusCode, env.Error)
	}
	return &env.Data, nil
}
