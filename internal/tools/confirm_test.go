package tools

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/orbit/pkg/models"
)

func TestBrokerResolveOnce(t *testing.T) {
	b := NewBroker(time.Second)

	got := make(chan models.ConfirmationResolution, 1)
	go func() {
		got <- b.Await(context.Background(), "tc-1")
	}()
	waitPending(t, b, "tc-1")

	if !b.Resolve("tc-1", models.ConfirmationResolution{Approved: true}) {
		t.Fatal("first resolve failed")
	}
	if b.Resolve("tc-1", models.ConfirmationResolution{Approved: false}) {
		t.Error("second resolve succeeded")
	}

	res := <-got
	if !res.Approved {
		t.Error("resolution lost")
	}
}

func TestBrokerTimeoutDenies(t *testing.T) {
	b := NewBroker(20 * time.Millisecond)
	res := b.Await(context.Background(), "tc-1")
	if res.Approved {
		t.Error("timeout approved")
	}
	if ids := b.PendingIDs(); len(ids) != 0 {
		t.Errorf("pending after timeout: %v", ids)
	}
}

func TestBrokerCancelDenies(t *testing.T) {
	b := NewBroker(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan models.ConfirmationResolution, 1)
	go func() {
		got <- b.Await(ctx, "tc-1")
	}()
	waitPending(t, b, "tc-1")
	cancel()

	res := <-got
	if res.Approved {
		t.Error("cancel approved")
	}
}

func TestBrokerResolveUnknownID(t *testing.T) {
	b := NewBroker(time.Second)
	if b.Resolve("never-pending", models.ConfirmationResolution{Approved: true}) {
		t.Error("resolve of unknown id succeeded")
	}
}
