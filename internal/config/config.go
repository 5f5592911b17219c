// Package config loads the per-device configuration file. Only the CLI
// layer reads it; engine components receive plain values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Device is the on-disk device configuration.
type Device struct {
	// DeviceID identifies this device to its peers.
	DeviceID string `yaml:"device_id"`

	// AccountID selects the shared account to sync.
	AccountID string `yaml:"account_id"`

	// HostID names the account's host device. Empty (or equal to
	// DeviceID) means this device hosts.
	HostID string `yaml:"host_id,omitempty"`

	// DataDir holds the per-account database files. Defaults to ".".
	DataDir string `yaml:"data_dir,omitempty"`

	// ListenAddr is the local bind address when hosting.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// Peers maps rendezvous ids to websocket URLs.
	Peers map[string]string `yaml:"peers,omitempty"`
}

// Load reads and validates a device config file.
func Load(path string) (*Device, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var d Device
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if d.DeviceID == "" {
		return nil, fmt.Errorf("config %s: device_id is required", path)
	}
	if d.AccountID == "" {
		return nil, fmt.Errorf("config %s: account_id is required", path)
	}
	if d.DataDir == "" {
		d.DataDir = "."
	}
	return &d, nil
}

// Resolve maps a rendezvous id to a dialable URL via the peer address
// book.
func (d *Device) Resolve(remoteID string) (string, error) {
	url, ok := d.Peers[remoteID]
	if !ok {
		return "", fmt.Errorf("no address for peer %q", remoteID)
	}
	return url, nil
}
