package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bolsillo/internal/amqp"
	"bolsillo/internal/core"
	"bolsillo/internal/export/memory"
)

type fakeSource struct {
	movements map[string]core.Movement
	synced    []string
	syncErrs  []string
	deleted   []string
	failGet   bool
}

func newFakeSource(movements ...core.Movement) *fakeSource {
	s := &fakeSource{movements: map[string]core.Movement{}}
	for _, m := range movements {
		s.movements[m.ID] = m
	}
	return s
}

func (s *fakeSource) GetMovement(_ context.Context, id string) (core.Movement, error) {
	if s.failGet {
		return core.Movement{}, errors.New("storage down")
	}
	m, ok := s.movements[id]
	if !ok {
		return core.Movement{}, fmt.Errorf("%w: %s", core.ErrUnknownMovement, id)
	}
	return m, nil
}

func (s *fakeSource) ListUnsyncedMovements(_ context.Context, limit int) ([]core.Movement, error) {
	var out []core.Movement
	for _, m := range s.movements {
		if m.Status != core.MovementPending && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSource) MarkMovementSynced(_ context.Context, id string) error {
	s.synced = append(s.synced, id)
	return nil
}

func (s *fakeSource) MarkMovementSyncError(_ context.Context, id string) error {
	s.syncErrs = append(s.syncErrs, id)
	return nil
}

func (s *fakeSource) ListStalePendingMovements(_ context.Context, before time.Time) ([]core.Movement, error) {
	var out []core.Movement
	for _, m := range s.movements {
		if m.Status == core.MovementPending && m.Date.Before(before) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSource) DeleteMovement(_ context.Context, id string) error {
	delete(s.movements, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func testMovement(id string, status core.MovementStatus) core.Movement {
	return core.Movement{
		ID:       id,
		OwnerID:  "owner-1",
		Type:     core.MovementIncome,
		Amount:   decimal.NewFromInt(10),
		Currency: "EUR",
		Date:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Status:   status,
	}
}

func TestHandleMovementEvent_ExportsAppliedMovement(t *testing.T) {
	sink := memory.New()
	source := newFakeSource(testMovement("mov-1", core.MovementApplied))
	w := NewSyncWorker(source, sink, 10, time.Hour)

	event := amqp.NewMovementEvent(amqp.EventMovementApplied, "mov-1")
	if err := w.HandleMovementEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleMovementEvent() error = %v", err)
	}

	if got := sink.Movements(); len(got) != 1 || got[0].ID != "mov-1" {
		t.Errorf("sink has %v, want exactly mov-1", got)
	}
	if len(source.synced) != 1 || source.synced[0] != "mov-1" {
		t.Errorf("synced = %v, want [mov-1]", source.synced)
	}
}

func TestHandleMovementEvent_MissingMovementIsNotAnError(t *testing.T) {
	w := NewSyncWorker(newFakeSource(), memory.New(), 10, time.Hour)

	event := amqp.NewMovementEvent(amqp.EventMovementApplied, "gone")
	if err := w.HandleMovementEvent(context.Background(), event); err != nil {
		t.Errorf("HandleMovementEvent() for a deleted movement should be nil, got %v", err)
	}
}

func TestHandleMovementEvent_PendingMovementRequeues(t *testing.T) {
	source := newFakeSource(testMovement("mov-1", core.MovementPending))
	w := NewSyncWorker(source, memory.New(), 10, time.Hour)

	event := amqp.NewMovementEvent(amqp.EventMovementApplied, "mov-1")
	if err := w.HandleMovementEvent(context.Background(), event); err == nil {
		t.Error("HandleMovementEvent() should fail for a still-pending movement")
	}
}

func TestExportMovement_SinkFailureMarksError(t *testing.T) {
	source := newFakeSource(testMovement("mov-1", core.MovementApplied))
	w := NewSyncWorker(source, failingSink{}, 10, time.Hour)

	event := amqp.NewMovementEvent(amqp.EventMovementApplied, "mov-1")
	if err := w.HandleMovementEvent(context.Background(), event); err == nil {
		t.Fatal("HandleMovementEvent() should propagate the sink failure")
	}
	if len(source.syncErrs) != 1 || source.syncErrs[0] != "mov-1" {
		t.Errorf("syncErrs = %v, want [mov-1]", source.syncErrs)
	}
}

type failingSink struct{}

func (failingSink) AppendMovement(context.Context, core.Movement) (string, error) {
	return "", errors.New("sink unavailable")
}

func TestReconcilePending_DeletesOnlyStaleRows(t *testing.T) {
	stale := testMovement("mov-stale", core.MovementPending)
	stale.Date = time.Now().Add(-2 * time.Hour)
	fresh := testMovement("mov-fresh", core.MovementPending)
	fresh.Date = time.Now()
	applied := testMovement("mov-applied", core.MovementApplied)
	applied.Date = time.Now().Add(-2 * time.Hour)

	source := newFakeSource(stale, fresh, applied)
	w := NewSyncWorker(source, memory.New(), 10, time.Hour)

	if err := w.ReconcilePending(context.Background()); err != nil {
		t.Fatalf("ReconcilePending() error = %v", err)
	}

	if len(source.deleted) != 1 || source.deleted[0] != "mov-stale" {
		t.Errorf("deleted = %v, want [mov-stale]", source.deleted)
	}
	if _, ok := source.movements["mov-fresh"]; !ok {
		t.Error("fresh pending movement must survive reconciliation")
	}
	if _, ok := source.movements["mov-applied"]; !ok {
		t.Error("applied movement must survive reconciliation")
	}
}

func TestStartupCheck_DrainsBacklog(t *testing.T) {
	source := newFakeSource(
		testMovement("mov-1", core.MovementApplied),
		testMovement("mov-2", core.MovementReversed),
	)
	sink := memory.New()
	w := NewSyncWorker(source, sink, 10, time.Hour)

	if err := w.StartupCheck(context.Background()); err != nil {
		t.Fatalf("StartupCheck() error = %v", err)
	}
	if got := len(sink.Movements()); got != 2 {
		t.Errorf("sink has %d movements, want 2", got)
	}
}
