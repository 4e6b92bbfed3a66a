package models

import "time"

// ClientStatus is the connectivity status of a client.
type ClientStatus string

const (
	ClientOnline  ClientStatus = "ONLINE"
	ClientOffline ClientStatus = "OFFLINE"
)

// Valid reports whether s is a known client status.
func (s ClientStatus) Valid() bool {
	return s == ClientOnline || s == ClientOffline
}

// Client represents a remote agent allowed to log in over the transfer protocol.
type Client struct {
	ClientID     string       `json:"client_id"`
	PasswordHash string       `json:"-"`
	CapacityMax  int64        `json:"capacity_max"`
	OwnerID      string       `json:"owner_id"`
	Status       ClientStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Unlimited reports whether the client has no storage capacity limit.
func (c *Client) Unlimited() bool {
	return c.CapacityMax <= 0
}
