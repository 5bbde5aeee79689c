package storetest

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/store"
)

func TestInsertPendingIdentityAssignsSequenceID(t *testing.T) {
	f := New()
	ctx := context.Background()
	commitment := field.FromBigInt(bigInt(42))
	pre := field.Zero()
	post := field.FromBigInt(bigInt(7))

	id, err := f.InsertPendingIdentity(ctx, 0, commitment, pre, post)
	if err != nil {
		t.Fatalf("InsertPendingIdentity: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first sequence id 1, got %d", id)
	}

	row, err := f.GetTreeUpdateByRoot(ctx, post)
	if err != nil {
		t.Fatalf("GetTreeUpdateByRoot: %v", err)
	}
	if row == nil || row.Status != store.StatusPending {
		t.Fatalf("expected pending row, got %+v", row)
	}
}

func TestMarkRootAsProcessedThenMined(t *testing.T) {
	f := New()
	ctx := context.Background()
	commitment := field.FromBigInt(bigInt(1))
	post := field.FromBigInt(bigInt(2))

	if _, err := f.InsertPendingIdentity(ctx, 0, commitment, field.Zero(), post); err != nil {
		t.Fatalf("InsertPendingIdentity: %v", err)
	}
	if err := f.MarkRootAsProcessed(ctx, post, time.Time{}); err != nil {
		t.Fatalf("MarkRootAsProcessed: %v", err)
	}
	row, _ := f.GetTreeUpdateByRoot(ctx, post)
	if row.Status != store.StatusProcessed {
		t.Fatalf("expected processed, got %s", row.Status)
	}
	if err := f.MarkRootAsMined(ctx, post); err != nil {
		t.Fatalf("MarkRootAsMined: %v", err)
	}
	row, _ = f.GetTreeUpdateByRoot(ctx, post)
	if row.Status != store.StatusMined {
		t.Fatalf("expected mined, got %s", row.Status)
	}
}

func TestGetNextBatchWithoutTransactionSkipsHeadAndCompleted(t *testing.T) {
	f := New()
	ctx := context.Background()
	head := field.FromBigInt(bigInt(0))
	next1 := field.FromBigInt(bigInt(1))
	next2 := field.FromBigInt(bigInt(2))

	if err := f.InsertNewBatchHead(ctx, head); err != nil {
		t.Fatalf("InsertNewBatchHead: %v", err)
	}
	if err := f.InsertNewBatch(ctx, next1, &head, store.BatchInsertion, nil, nil); err != nil {
		t.Fatalf("InsertNewBatch: %v", err)
	}
	if err := f.InsertNewBatch(ctx, next2, &next1, store.BatchInsertion, nil, nil); err != nil {
		t.Fatalf("InsertNewBatch: %v", err)
	}

	b, err := f.GetNextBatchWithoutTransaction(ctx)
	if err != nil {
		t.Fatalf("GetNextBatchWithoutTransaction: %v", err)
	}
	if b == nil || !field.Equal(b.NextRoot, next1) {
		t.Fatalf("expected next1 batch, got %+v", b)
	}

	if err := f.InsertNewTransaction(ctx, "tx-1", next1); err != nil {
		t.Fatalf("InsertNewTransaction: %v", err)
	}
	b, err = f.GetNextBatchWithoutTransaction(ctx)
	if err != nil {
		t.Fatalf("GetNextBatchWithoutTransaction: %v", err)
	}
	if b == nil || !field.Equal(b.NextRoot, next2) {
		t.Fatalf("expected next2 batch after next1 got a tx, got %+v", b)
	}
}

func TestDeletionsRoundTrip(t *testing.T) {
	f := New()
	ctx := context.Background()
	c := field.FromBigInt(bigInt(9))

	if err := f.InsertNewDeletion(ctx, 3, c); err != nil {
		t.Fatalf("InsertNewDeletion: %v", err)
	}
	deletions, err := f.GetDeletions(ctx)
	if err != nil {
		t.Fatalf("GetDeletions: %v", err)
	}
	if len(deletions) != 1 || deletions[0].LeafIndex != 3 {
		t.Fatalf("unexpected deletions: %+v", deletions)
	}
	if err := f.RemoveDeletions(ctx, []field.Element{c}); err != nil {
		t.Fatalf("RemoveDeletions: %v", err)
	}
	deletions, _ = f.GetDeletions(ctx)
	if len(deletions) != 0 {
		t.Fatalf("expected deletions drained, got %+v", deletions)
	}
}

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}
