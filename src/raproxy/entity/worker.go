// Package entity contains the domain types for the raproxy daemon.
package entity

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// WorkerRecord describes one running analyzer daemon for a project root.
// At most one live record exists per root; liveness is defined by the
// recorded pid actually existing, not by the record's presence on disk.
type WorkerRecord struct {
	UUID        uuid.UUID `json:"uuid" zap:"uuid"`
	Pid         int       `json:"pid" zap:"pid"`
	Port        int       `json:"port" zap:"port"`
	Root        string    `json:"root" zap:"root"`
	StartedAt   time.Time `json:"startedAt" zap:"startedAt"`
	Initialized bool      `json:"initialized" zap:"initialized"`
	LogPath     string    `json:"logPath,omitempty" zap:"logPath"`
}

// Addr returns the daemon's loopback dial address.
func (r *WorkerRecord) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", r.Port)
}
