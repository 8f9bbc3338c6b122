package model

import "time"

type HubStats struct {
	TotalUsers    int           `json:"total_users"`
	TotalSessions int           `json:"total_sessions"`
	Uptime        time.Duration `json:"uptime"`
	// LongestOnline is how long the earliest still-connected user has had a session.
	LongestOnline time.Duration `json:"longest_online"`
	Draining      bool          `json:"draining"`
}
