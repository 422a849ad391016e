package possync

import (
	"context"
	"fmt"

	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
)

// ConflictResolver merges an incoming remote record with the local mutations
// still queued for the same entity.
//
// Policy: remote-wins for fields, local-wins for pending intent. The remote
// record is accepted as the new baseline, then every still-queued patch for
// that entity is re-applied on top in enqueue order, so a queued relative
// adjustment (a stock decrement, a balance repayment) is not lost just
// because another device updated an unrelated field first. Concurrent edits
// to the same absolute field resolve last-write-wins by remote timestamp.
//
// Domain floors hold through every merge: a customer balance is clamped at
// zero by the patch itself; a null stock stays null.
type ConflictResolver interface {
	// MergeRemote returns the entity to place in the LocalCache for an
	// incoming remote record, given the still-queued local operations for
	// the same target in enqueue order. A nil result with Deleted true
	// means the entity must stay absent locally (a queued local delete
	// outweighs the remote update until it is confirmed or rolled back).
	MergeRemote(ctx context.Context, remote entity.Entity, pending []*QueuedOperation) (MergeResult, error)
}

// MergeResult is the outcome of a conflict merge.
type MergeResult struct {
	Entity  entity.Entity
	Deleted bool
}

// ReapplyResolver is the default ConflictResolver.
type ReapplyResolver struct{}

var _ ConflictResolver = (*ReapplyResolver)(nil)

func (r *ReapplyResolver) MergeRemote(ctx context.Context, remote entity.Entity, pending []*QueuedOperation) (MergeResult, error) {
	if remote == nil {
		return MergeResult{}, syncErrors.New(syncErrors.OpResolve, fmt.Errorf("nil remote baseline"))
	}

	merged := remote.Clone()
	for _, op := range pending {
		select {
		case <-ctx.Done():
			return MergeResult{}, ctx.Err()
		default:
		}

		switch op.Type {
		case OpDelete:
			// A queued local delete keeps the entity absent until the
			// remote confirms or the delete is rolled back.
			return MergeResult{Deleted: true}, nil
		case OpUpdate:
			patch, err := op.Patch()
			if err != nil {
				return MergeResult{}, syncErrors.WrapKind(err, syncErrors.OpResolve, "resolver", syncErrors.KindValidation)
			}
			merged, err = patch.ApplyTo(merged)
			if err != nil {
				return MergeResult{}, syncErrors.WrapKind(err, syncErrors.OpResolve, "resolver", syncErrors.KindValidation)
			}
		case OpCreate:
			// A pending create always carries a local-only id, which can
			// never collide with a remote record id. Nothing to re-apply.
		}
	}

	return MergeResult{Entity: merged}, nil
}
