package replication

import "github.com/coachpo/copydesk/internal/domain/orderstore"

// Outcome is the result of replicating one order to one child.
type Outcome string

const (
	OutcomeReplicated      Outcome = "replicated"
	OutcomeFailed          Outcome = "failed"
	OutcomeDeactivated     Outcome = "deactivated"
	OutcomeSkippedInactive Outcome = "skipped_inactive"
)

// ChildResult records what happened to one child during fan-out.
type ChildResult struct {
	ChildUserID string  `json:"child_user_id"`
	Outcome     Outcome `json:"outcome"`
	OrderID     string  `json:"order_id,omitempty"`
	Error       string  `json:"error,omitempty"`
	ErrorKind   Kind    `json:"error_kind,omitempty"`
}

// FanOutSummary lists per-child results in the parent's child order; inactive children last.
type FanOutSummary struct {
	Results []ChildResult `json:"results"`
}

// Count returns how many children ended with outcome.
func (s FanOutSummary) Count(outcome Outcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}

// ChildIDs returns the child ids that ended with outcome.
func (s FanOutSummary) ChildIDs(outcome Outcome) []string {
	var ids []string
	for _, r := range s.Results {
		if r.Outcome == outcome {
			ids = append(ids, r.ChildUserID)
		}
	}
	return ids
}

// PlacementResult is returned by a successful placement. FanOut is nil for child principals.
type PlacementResult struct {
	Order  orderstore.Order `json:"order"`
	FanOut *FanOutSummary   `json:"fan_out,omitempty"`
}
