// Package export defines the sink the sync worker writes applied movements
// to. The sink is an append-only journal: a reversal appends a new row with
// the reversed status rather than touching the original one.
package export

import (
	"context"

	"bolsillo/internal/core"
)

type MovementWriter interface {
	AppendMovement(ctx context.Context, m core.Movement) (rowRef string, err error)
}
