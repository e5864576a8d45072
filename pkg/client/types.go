package client

import "time"

// ResourceUsage is a point-in-time CPU and memory sample of one child.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ServiceStatus represents the status of a single supervised service
type ServiceStatus struct {
	Name      string         `json:"name"`
	Label     string         `json:"label"`
	State     string         `json:"state"`
	Port      int            `json:"port,omitempty"`
	PID       int            `json:"pid,omitempty"`
	Ready     bool           `json:"ready"`
	URL       string         `json:"url,omitempty"`
	Error     string         `json:"error,omitempty"`
	Resources *ResourceUsage `json:"resources,omitempty"`
}

// ServiceMetrics records how one service came up.
type ServiceMetrics struct {
	Name     string        `json:"name"`
	Port     int           `json:"port"`
	Duration time.Duration `json:"duration"`
	Retries  int           `json:"retries"`
	Ready    bool          `json:"ready"`
}

// StartupMetrics is the outcome of the most recent start run.
type StartupMetrics struct {
	Services []ServiceMetrics `json:"services"`
	Total    time.Duration    `json:"total"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
}

// Status is the response of GET /status.
type Status struct {
	Phase    string          `json:"phase"`
	Summary  string          `json:"summary"`
	Error    string          `json:"error,omitempty"`
	Services []ServiceStatus `json:"services"`
	Startup  *StartupMetrics `json:"startup,omitempty"`
}

// HistoryRecord is one stored startup event.
type HistoryRecord struct {
	RunID      string    `json:"run_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Type       string    `json:"type"`
	Service    string    `json:"service,omitempty"`
	Port       int       `json:"port,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return "API error: " + e.Message
}
