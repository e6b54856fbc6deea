package models

import "time"

// Client is a VPN peer as seen through a configuration snapshot.
type Client struct {
	Name         string    `json:"name"`
	PublicKey    string    `json:"public_key"`
	HasPSK       bool      `json:"has_preshared_key"`
	AllowedIPs   []string  `json:"allowed_ips"`
	Owner        int64     `json:"owner,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	ProfilePath  string    `json:"profile_path,omitempty"`
	ProfileValid bool      `json:"profile_valid"`
}

// ClientStatus is the runtime view of a configured peer.
type ClientStatus struct {
	Name          string    `json:"name"`
	Connected     bool      `json:"connected"`
	Endpoint      string    `json:"endpoint,omitempty"`
	LastHandshake time.Time `json:"last_handshake,omitempty"`
	BytesUp       uint64    `json:"bytes_up"`
	BytesDown     uint64    `json:"bytes_down"`
}

// ServerStatus summarizes the WireGuard server.
type ServerStatus struct {
	Installed        bool   `json:"installed"`
	Endpoint         string `json:"endpoint,omitempty"`
	ListenPort       string `json:"listen_port,omitempty"`
	Address          string `json:"address,omitempty"`
	InterfaceUp      bool   `json:"interface_up"`
	ClientCount      int    `json:"client_count"`
	ConnectedClients int    `json:"connected_clients"`
	TotalBytesUp     uint64 `json:"total_bytes_up"`
	TotalBytesDown   uint64 `json:"total_bytes_down"`

	// Drift names clients present in only one of the config file and the
	// lifecycle script's own listing.
	Drift []string `json:"drift,omitempty"`
}
