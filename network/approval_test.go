package network

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApprovalQueueResolve(t *testing.T) {
	queue := NewApprovalQueue(1)

	result := make(chan bool, 1)
	go func() {
		accepted, err := queue.ApprovePairing(context.Background(), PairRequest{DeviceID: "device-a", DeviceName: "A"})
		if err != nil {
			t.Errorf("ApprovePairing failed: %v", err)
		}
		result <- accepted
	}()

	select {
	case req := <-queue.Requests():
		if req.DeviceID != "device-a" || req.DeviceName != "A" {
			t.Fatalf("unexpected request %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for request")
	}
	if pending := queue.Pending(); len(pending) != 1 || pending[0] != "device-a" {
		t.Fatalf("unexpected pending list %v", pending)
	}

	if err := queue.Resolve("device-a", true); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !<-result {
		t.Fatalf("expected approval")
	}
	if err := queue.Resolve("device-a", true); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest on second resolve, got %v", err)
	}
}

func TestApprovalQueueTimeoutRejects(t *testing.T) {
	queue := NewApprovalQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	accepted, err := queue.ApprovePairing(ctx, PairRequest{DeviceID: "device-a"})
	if accepted {
		t.Fatalf("expired request must not be accepted")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if len(queue.Pending()) != 0 {
		t.Fatalf("expected expired request removed")
	}
	if err := queue.Resolve("device-a", true); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest, got %v", err)
	}
}

func TestApprovalQueueRejectsDuplicateRequest(t *testing.T) {
	queue := NewApprovalQueue(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = queue.ApprovePairing(ctx, PairRequest{DeviceID: "device-a"})
	}()
	<-queue.Requests()

	if _, err := queue.ApprovePairing(context.Background(), PairRequest{DeviceID: "device-a"}); err == nil {
		t.Fatalf("expected duplicate request to fail")
	}
}
