package job

import "time"

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDiscovering
	PhaseFetching
	PhaseStopped
	PhaseError
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseDiscovering:
		return "Discovering"
	case PhaseFetching:
		return "Fetching"
	case PhaseStopped:
		return "Stopped"
	case PhaseError:
		return "Error"
	case PhaseComplete:
		return "Complete"
	}
	return "Unknown"
}

// Report counts per-resource outcomes of the last fetch.
type Report struct {
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// State is a copy of the orchestrator's job state. Current is the number
// of resources processed so far and never exceeds Total. Throughput is in
// KB/s for the transfer in progress, or the last finished one.
type State struct {
	Phase           Phase
	Error           string
	Total           int
	Current         int
	Throughput      float64
	CancelDiscovery bool
	CancelFetch     bool
	JobID           string
	Report          Report
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// Status is the phase in the vocabulary of the status endpoint.
func (s State) Status() string {
	switch s.Phase {
	case PhaseIdle:
		return "Ready"
	case PhaseDiscovering:
		return "Scraping"
	case PhaseFetching:
		return "Downloading"
	case PhaseError:
		return "Error: " + s.Error
	}
	return s.Phase.String()
}
