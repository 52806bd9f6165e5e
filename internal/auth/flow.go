package auth

import "context"

// FlowStatus is a transition in the life of one state token:
// issued, then consumed or expired. Rejected and failed describe
// callbacks that did not produce tokens.
type FlowStatus string

const (
	FlowIssued   FlowStatus = "issued"
	FlowConsumed FlowStatus = "consumed"
	FlowExpired  FlowStatus = "expired"
	FlowRejected FlowStatus = "rejected"
	FlowFailed   FlowStatus = "failed"
)

// FlowRecorder observes flow transitions. Implementations must not block
// and must not persist the raw state.
type FlowRecorder interface {
	RecordFlow(ctx context.Context, state string, status FlowStatus, detail string)
}

type nopRecorder struct{}

func (nopRecorder) RecordFlow(context.Context, string, FlowStatus, string) {}
