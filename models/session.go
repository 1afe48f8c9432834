package models

import "time"

// ClientInfo is what a web client says about itself. It is shown to the
// operator and never consulted for authorization.
type ClientInfo struct {
	OSName         string `json:"os_name"`
	OSVersion      string `json:"os_version"`
	BrowserName    string `json:"browser_name"`
	BrowserVersion string `json:"browser_version"`
}

// AuthRequest is an inbound web-console connection awaiting operator approval.
type AuthRequest struct {
	RequestID string     `json:"request_id"`
	ClientIP  string     `json:"client_ip"`
	Client    ClientInfo `json:"client"`
	CreatedAt time.Time  `json:"created_at"`
}

// SessionInfo is the read-only view of a web session used for listings.
type SessionInfo struct {
	ClientID  string     `json:"client_id"`
	ClientIP  string     `json:"client_ip"`
	Client    ClientInfo `json:"client"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
