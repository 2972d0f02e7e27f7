package api

import "time"

// v0 contains the public wire types of the launchpad agent.

type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// Live reports whether a target in this status owns a process.
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusRunning
}

type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeFailed         Outcome = "failed"
	OutcomeAlreadyRunning Outcome = "already_running"
)

type LaunchResponse struct {
	LaunchID string  `json:"launch_id"`
	Target   string  `json:"target"`
	Outcome  Outcome `json:"outcome"`
	Status   Status  `json:"status"`
	PID      int     `json:"pid,omitempty"`
	Message  string  `json:"message,omitempty"`
}

type TargetStatus struct {
	Name      string     `json:"name"`
	Host      string     `json:"host,omitempty"`
	Status    Status     `json:"status"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	Launches  int        `json:"launches"`
}

type StatusResponse struct {
	Time    time.Time      `json:"time"`
	Targets []TargetStatus `json:"targets"`
}

type Dashboard struct {
	Name        string `json:"name" yaml:"name"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	URL         string `json:"url" yaml:"url"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
