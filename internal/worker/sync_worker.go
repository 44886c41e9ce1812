// Package worker contains the background side of the ledger: exporting
// movements to the configured sink and reconciling interrupted movement
// transactions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bolsillo/internal/amqp"
	"bolsillo/internal/core"
	"bolsillo/internal/export"
)

// MovementSource is the slice of storage the worker reads from and marks on.
type MovementSource interface {
	GetMovement(ctx context.Context, id string) (core.Movement, error)
	ListUnsyncedMovements(ctx context.Context, limit int) ([]core.Movement, error)
	MarkMovementSynced(ctx context.Context, id string) error
	MarkMovementSyncError(ctx context.Context, id string) error
	ListStalePendingMovements(ctx context.Context, before time.Time) ([]core.Movement, error)
	DeleteMovement(ctx context.Context, id string) error
}

// SyncWorker exports applied and reversed movements to the sink and sweeps
// stale pending rows left behind by interrupted transactions.
type SyncWorker struct {
	source    MovementSource
	sink      export.MovementWriter
	batchSize int
	// staleAfter is how long a movement may sit in the pending sub-state
	// before reconciliation treats it as a failed transaction.
	staleAfter time.Duration
}

func NewSyncWorker(source MovementSource, sink export.MovementWriter, batchSize int, staleAfter time.Duration) *SyncWorker {
	return &SyncWorker{
		source:     source,
		sink:       sink,
		batchSize:  batchSize,
		staleAfter: staleAfter,
	}
}

// HandleMovementEvent processes one event from the queue. The event carries
// only the ID; the authoritative row comes from storage, so replays and
// duplicates converge on the same export.
func (w *SyncWorker) HandleMovementEvent(ctx context.Context, event *amqp.MovementEvent) error {
	slog.InfoContext(ctx, "Processing movement event",
		"kind", event.Kind,
		"movement_id", event.MovementID)

	m, err := w.source.GetMovement(ctx, event.MovementID)
	if errors.Is(err, core.ErrUnknownMovement) {
		// Reconciliation may have deleted the row between publish and
		// delivery. Nothing to export.
		slog.WarnContext(ctx, "Movement gone before export", "movement_id", event.MovementID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get movement: %w", err)
	}

	if m.Status == core.MovementPending {
		return fmt.Errorf("movement %s still pending, requeueing", m.ID)
	}

	return w.exportMovement(ctx, m)
}

// ProcessUnsynced exports movements the queue never delivered. This is the
// backup path for lost events.
func (w *SyncWorker) ProcessUnsynced(ctx context.Context) error {
	pending, err := w.source.ListUnsyncedMovements(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("list unsynced movements: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing unsynced movements", "count", len(pending))
	for _, m := range pending {
		if err := w.exportMovement(ctx, m); err != nil {
			slog.ErrorContext(ctx, "Failed to export movement", "movement_id", m.ID, "error", err)
		}
	}
	return nil
}

// StartupCheck drains the unsynced backlog with a larger batch and runs one
// reconciliation pass. Called once before consuming the queue, so downtime
// does not leave holes in the export.
func (w *SyncWorker) StartupCheck(ctx context.Context) error {
	backlog, err := w.source.ListUnsyncedMovements(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("list unsynced movements on startup: %w", err)
	}

	if len(backlog) > 0 {
		slog.InfoContext(ctx, "Found unsynced movements on startup", "count", len(backlog))
		synced, failed := 0, 0
		for _, m := range backlog {
			if err := w.exportMovement(ctx, m); err != nil {
				slog.ErrorContext(ctx, "Startup export failed", "movement_id", m.ID, "error", err)
				failed++
				continue
			}
			synced++
		}
		slog.InfoContext(ctx, "Startup export completed",
			"total", len(backlog), "synced", synced, "errors", failed)
	}

	return w.ReconcilePending(ctx)
}

// ReconcilePending removes movements stuck in the pending sub-state past the
// staleness cutoff. A pending row that old belongs to a transaction whose
// balance effect never committed; deleting it restores the record/effect
// pairing.
func (w *SyncWorker) ReconcilePending(ctx context.Context) error {
	cutoff := time.Now().Add(-w.staleAfter)
	stale, err := w.source.ListStalePendingMovements(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale pending movements: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	slog.WarnContext(ctx, "Reconciling stale pending movements",
		"count", len(stale), "cutoff", cutoff.Format(time.RFC3339))
	for _, m := range stale {
		if err := w.source.DeleteMovement(ctx, m.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to delete stale movement",
				"movement_id", m.ID, "error", err)
			continue
		}
		slog.InfoContext(ctx, "Removed stale pending movement",
			"movement_id", m.ID, "type", m.Type, "amount", m.Amount)
	}
	return nil
}

func (w *SyncWorker) exportMovement(ctx context.Context, m core.Movement) error {
	ref, err := w.sink.AppendMovement(ctx, m)
	if err != nil {
		if markErr := w.source.MarkMovementSyncError(ctx, m.ID); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark sync error", "movement_id", m.ID, "error", markErr)
		}
		return fmt.Errorf("append to sink: %w", err)
	}

	if err := w.source.MarkMovementSynced(ctx, m.ID); err != nil {
		// The export itself worked; just log the marker failure so the
		// backup path retries it.
		slog.ErrorContext(ctx, "Failed to mark movement synced", "movement_id", m.ID, "error", err)
	}

	slog.InfoContext(ctx, "Exported movement",
		"movement_id", m.ID, "status", m.Status, "sink_ref", ref)
	return nil
}
