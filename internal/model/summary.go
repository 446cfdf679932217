package model

import "time"

// RunState is the orchestrator state of a worker.
type RunState string

const (
	StateIdle       RunState = "idle"
	StateScanning   RunState = "scanning"
	StateCommitting RunState = "committing"
	StateFailed     RunState = "failed"
)

// RunSummary is the structured result of one (chain, contract) worker run.
type RunSummary struct {
	RunID              string       `json:"run_id"`
	Chain              string       `json:"chain"`
	Contract           string       `json:"contract"`
	FromBlock          uint64       `json:"from_block"`
	ToBlock            uint64       `json:"to_block"`
	BlocksScanned      uint64       `json:"blocks_scanned"`
	FeeEventsFound     int          `json:"fee_events_found"`
	FeeEventsPriced    int          `json:"fee_events_priced"`
	UnrecognizedEvents int          `json:"unrecognized_events"`
	MalformedEvents    int          `json:"malformed_events"`
	Gaps               []BlockRange `json:"gaps"`
	Cursor             uint64       `json:"cursor"`
	State              RunState     `json:"state"`
	Cancelled          bool         `json:"cancelled,omitempty"`
	StartedAt          time.Time    `json:"started_at"`
	FinishedAt         time.Time    `json:"finished_at"`
	Error              *string      `json:"error"`
}

// FeeEventsUnpriced is the count of stored events without a USD value.
func (s RunSummary) FeeEventsUnpriced() int {
	return s.FeeEventsFound - s.FeeEventsPriced
}

// Fail records a terminal error on the summary.
func (s *RunSummary) Fail(err error) {
	msg := err.Error()
	s.Error = &msg
	s.State = StateFailed
}
