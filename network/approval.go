package network

import (
	"context"
	"errors"
	"sync"
)

// ApprovalQueue is an Approver backed by a user-facing prompt. Each incoming
// request is published on Requests and the handshake waits until Resolve is
// called or its context expires.
type ApprovalQueue struct {
	mu       sync.Mutex
	pending  map[string]chan bool
	requests chan PairRequest
}

// NewApprovalQueue returns a queue whose notification channel holds buffer
// requests. Notifications that do not fit are dropped; the request stays
// resolvable through Pending.
func NewApprovalQueue(buffer int) *ApprovalQueue {
	if buffer <= 0 {
		buffer = 16
	}
	return &ApprovalQueue{
		pending:  make(map[string]chan bool),
		requests: make(chan PairRequest, buffer),
	}
}

// Requests returns new pairing requests awaiting a decision.
func (q *ApprovalQueue) Requests() <-chan PairRequest {
	return q.requests
}

// Pending returns the ids of devices with an unresolved request.
func (q *ApprovalQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	return ids
}

// ApprovePairing implements Approver.
func (q *ApprovalQueue) ApprovePairing(ctx context.Context, request PairRequest) (bool, error) {
	decision := make(chan bool, 1)

	q.mu.Lock()
	if _, exists := q.pending[request.DeviceID]; exists {
		q.mu.Unlock()
		return false, errors.New("network: pairing request already pending")
	}
	q.pending[request.DeviceID] = decision
	q.mu.Unlock()
	defer q.removeIfMatch(request.DeviceID, decision)

	select {
	case q.requests <- request:
	default:
	}

	select {
	case accept := <-decision:
		return accept, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve delivers the user's decision for deviceID.
func (q *ApprovalQueue) Resolve(deviceID string, accept bool) error {
	q.mu.Lock()
	decision, ok := q.pending[deviceID]
	if ok {
		delete(q.pending, deviceID)
	}
	q.mu.Unlock()
	if !ok {
		return ErrNoPendingRequest
	}

	decision <- accept
	return nil
}

func (q *ApprovalQueue) removeIfMatch(deviceID string, decision chan bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current := q.pending[deviceID]; current == decision {
		delete(q.pending, deviceID)
	}
}
