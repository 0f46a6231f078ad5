// Package model contains the repository-layer record shapes as persisted on disk.
package model

// WorkerRecord is the persisted form of a daemon record. StartedAt is
// stored as RFC3339 text so the file stays readable by other tooling.
type WorkerRecord struct {
	UUID        string `json:"uuid"`
	Pid         int    `json:"pid"`
	Port        int    `json:"port"`
	Root        string `json:"root"`
	StartedAt   string `json:"startedAt"`
	Initialized bool   `json:"initialized"`
	LogPath     string `json:"logPath,omitempty"`
}
