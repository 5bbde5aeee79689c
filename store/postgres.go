package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/sequencererr"
)

// serializationFailure is the PostgreSQL error code raised when a
// Repeatable Read (or stricter) transaction cannot be serialized against
// its concurrent peers.
const serializationFailure = "40001"

// maxEligibleUnprocessed caps GetEligibleUnprocessedCommitments per the
// contract in spec §4.3.
const maxEligibleUnprocessed = 10_000

// Postgres is the pgx-backed implementation of Store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// NewPostgres connects to dsn and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, sequencererr.Infrastructure(err, "connect to postgres")
	}
	p := &Postgres{pool: pool, logger: log.Default().Module("store")}
	if err := p.migrateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrateSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return sequencererr.Infrastructure(err, "apply schema")
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// withTx runs fn inside a transaction at the given isolation level,
// retrying transparently on serialization failure with bounded jitter.
// Non-serialization failures propagate immediately, per the retry macro
// documented in DESIGN.md.
func (p *Postgres) withTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	const maxAttempts = 8
	for attempt := 0; ; attempt++ {
		err := p.runOnce(ctx, iso, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) || attempt >= maxAttempts-1 {
			return err
		}
		backoff := time.Duration(10+rand.Intn(40)) * time.Millisecond * time.Duration(attempt+1)
		p.logger.Warn("retrying after serialization failure", "attempt", attempt, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return sequencererr.Infrastructure(ctx.Err(), "withTx: context cancelled during backoff")
		}
	}
}

func (p *Postgres) runOnce(ctx context.Context, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) (err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return sequencererr.Infrastructure(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return sequencererr.Infrastructure(err, "commit transaction")
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailure
}

// repeatableRead and readCommitted name the two isolation levels the
// spec calls out in §4.3.
const (
	repeatableRead = pgx.RepeatableRead
	readCommitted  = pgx.ReadCommitted
)

func bytesOf(e field.Element) []byte {
	b := e.Bytes32()
	return b[:]
}

func elementFromBytes(b []byte) field.Element {
	var arr [32]byte
	copy(arr[:], b)
	e, _ := field.FromBytes32(arr)
	return e
}

// --- unprocessed identities ---

func (p *Postgres) InsertUnprocessedIdentity(ctx context.Context, commitment field.Element) error {
	return p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO unprocessed_identities (commitment) VALUES ($1)
			ON CONFLICT (commitment) DO NOTHING`, bytesOf(commitment))
		if err != nil {
			return sequencererr.Infrastructure(err, "insert unprocessed identity")
		}
		return nil
	})
}

// InsertUnprocessedIdentityWithEligibility is used by FinalizeIdentities
// to re-queue a recovered identity with a delayed eligibility timestamp
// (spec §4.9, §9 invariant 6), instead of the immediately-eligible
// default InsertUnprocessedIdentity uses.
func (p *Postgres) InsertUnprocessedIdentityWithEligibility(ctx context.Context, commitment field.Element, eligibility time.Time) error {
	return p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO unprocessed_identities (commitment, eligibility) VALUES ($1, $2)
			ON CONFLICT (commitment) DO UPDATE SET eligibility = EXCLUDED.eligibility`, bytesOf(commitment), eligibility)
		if err != nil {
			return sequencererr.Infrastructure(err, "insert unprocessed identity with eligibility")
		}
		return nil
	})
}

func (p *Postgres) GetEligibleUnprocessedCommitments(ctx context.Context, now time.Time) ([]UnprocessedIdentity, error) {
	var out []UnprocessedIdentity
	err := p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT commitment, received_at, eligibility FROM unprocessed_identities
			WHERE eligibility <= $1 ORDER BY received_at ASC LIMIT $2`, now, maxEligibleUnprocessed)
		if err != nil {
			return sequencererr.Infrastructure(err, "query eligible unprocessed commitments")
		}
		defer rows.Close()
		for rows.Next() {
			var commitment []byte
			var u UnprocessedIdentity
			if err := rows.Scan(&commitment, &u.ReceivedAt, &u.Eligibility); err != nil {
				return sequencererr.Infrastructure(err, "scan unprocessed identity")
			}
			u.Commitment = elementFromBytes(commitment)
			out = append(out, u)
		}
		return rows.Err()
	})
	return out, err
}

// RemoveUnprocessedIdentities deletes rows promoted into the identities
// log by ModifyTree's insertion sub-flow, or dropped as duplicates.
func (p *Postgres) RemoveUnprocessedIdentities(ctx context.Context, commitments []field.Element) error {
	if len(commitments) == 0 {
		return nil
	}
	return p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		for _, c := range commitments {
			if _, err := tx.Exec(ctx, `DELETE FROM unprocessed_identities WHERE commitment = $1`, bytesOf(c)); err != nil {
				return sequencererr.Infrastructure(err, "remove unprocessed identity")
			}
		}
		return nil
	})
}

// --- identities log ---

func (p *Postgres) InsertPendingIdentity(ctx context.Context, leafIndex uint64, commitment, preRoot, postRoot field.Element) (int64, error) {
	var id int64
	err := p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO identities (leaf_index, commitment, status, pre_root, post_root)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING sequence_id`,
			int64(leafIndex), bytesOf(commitment), string(StatusPending), bytesOf(preRoot), bytesOf(postRoot))
		if err := row.Scan(&id); err != nil {
			return sequencererr.Infrastructure(err, "insert pending identity")
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO root_history (root, status) VALUES ($1, $2)
			ON CONFLICT (root) DO NOTHING`, bytesOf(postRoot), string(RootPending))
		if err != nil {
			return sequencererr.Infrastructure(err, "insert root history row")
		}
		return nil
	})
	return id, err
}

func scanIdentityRow(row interface{ Scan(...any) error }) (IdentityRow, error) {
	var r IdentityRow
	var commitment, preRoot, postRoot []byte
	var status string
	if err := row.Scan(&r.SequenceID, &r.LeafIndex, &commitment, &status, &preRoot, &postRoot, &r.ReceivedAt, &r.MinedAt); err != nil {
		return r, err
	}
	r.Commitment = elementFromBytes(commitment)
	r.PreRoot = elementFromBytes(preRoot)
	r.PostRoot = elementFromBytes(postRoot)
	r.Status = IdentityStatus(status)
	return r, nil
}

const identityColumns = `sequence_id, leaf_index, commitment, status, pre_root, post_root, received_at, mined_at`

func (p *Postgres) GetTreeUpdatesAfterID(ctx context.Context, id int64) ([]IdentityRow, error) {
	var out []IdentityRow
	err := p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+identityColumns+` FROM identities WHERE sequence_id > $1 ORDER BY sequence_id ASC`, id)
		if err != nil {
			return sequencererr.Infrastructure(err, "query tree updates after id")
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanIdentityRow(rows)
			if err != nil {
				return sequencererr.Infrastructure(err, "scan identity row")
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) GetTreeUpdatesByStatus(ctx context.Context, status IdentityStatus) ([]IdentityRow, error) {
	var out []IdentityRow
	err := p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+identityColumns+` FROM identities WHERE status = $1 ORDER BY sequence_id ASC`, string(status))
		if err != nil {
			return sequencererr.Infrastructure(err, "query tree updates by status")
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanIdentityRow(rows)
			if err != nil {
				return sequencererr.Infrastructure(err, "scan identity row")
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) GetLatestTreeUpdateByStatuses(ctx context.Context, statuses []IdentityStatus) (*IdentityRow, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	var out *IdentityRow
	err := p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE status = ANY($1) ORDER BY sequence_id DESC LIMIT 1`, strs)
		r, err := scanIdentityRow(row)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return sequencererr.Infrastructure(err, "query latest tree update by statuses")
		}
		out = &r
		return nil
	})
	return out, err
}

func (p *Postgres) GetTreeUpdateByRoot(ctx context.Context, root field.Element) (*IdentityRow, error) {
	var out *IdentityRow
	err := p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE post_root = $1`, bytesOf(root))
		r, err := scanIdentityRow(row)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return sequencererr.Infrastructure(err, "query tree update by root")
		}
		out = &r
		return nil
	})
	return out, err
}

// MarkRootAsProcessed advances the Processed frontier to root, and
// handles chain reorgs of that frontier by reverting later rows back to
// Pending, per spec §4.3.
func (p *Postgres) MarkRootAsProcessed(ctx context.Context, root field.Element, now time.Time) error {
	return p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		var targetID int64
		if err := tx.QueryRow(ctx, `SELECT sequence_id FROM identities WHERE post_root = $1`, bytesOf(root)).Scan(&targetID); err != nil {
			return sequencererr.Infrastructure(err, "locate root for mark_root_as_processed")
		}
		if _, err := tx.Exec(ctx, `
			UPDATE identities SET status = $1, mined_at = $2
			WHERE sequence_id <= $3 AND status = $4`,
			string(StatusProcessed), now, targetID, string(StatusPending)); err != nil {
			return sequencererr.Infrastructure(err, "mark rows processed")
		}
		if _, err := tx.Exec(ctx, `
			UPDATE identities SET status = $1, mined_at = NULL
			WHERE sequence_id > $2 AND status != $1`,
			string(StatusPending), targetID); err != nil {
			return sequencererr.Infrastructure(err, "revert later rows to pending")
		}
		_, err := tx.Exec(ctx, `UPDATE root_history SET status = $1 WHERE root = $2`, string(RootProcessed), bytesOf(root))
		if err != nil {
			return sequencererr.Infrastructure(err, "mark root processed")
		}
		return nil
	})
}

func (p *Postgres) MarkRootAsMined(ctx context.Context, root field.Element) error {
	return p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		var targetID int64
		if err := tx.QueryRow(ctx, `SELECT sequence_id FROM identities WHERE post_root = $1`, bytesOf(root)).Scan(&targetID); err != nil {
			return sequencererr.Infrastructure(err, "locate root for mark_root_as_mined")
		}
		if _, err := tx.Exec(ctx, `
			UPDATE identities SET status = $1 WHERE sequence_id <= $2 AND status != $1`,
			string(StatusMined), targetID); err != nil {
			return sequencererr.Infrastructure(err, "mark rows mined")
		}
		_, err := tx.Exec(ctx, `UPDATE root_history SET status = $1, mined_valid_as_of = now() WHERE root = $2`, string(RootMined), bytesOf(root))
		if err != nil {
			return sequencererr.Infrastructure(err, "mark root mined")
		}
		return nil
	})
}

func (p *Postgres) MarkAllAsPending(ctx context.Context) error {
	return p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE identities SET status = $1, mined_at = NULL`, string(StatusPending))
		if err != nil {
			return sequencererr.Infrastructure(err, "mark all as pending")
		}
		return nil
	})
}

// --- batches ---

func (p *Postgres) InsertNewBatchHead(ctx context.Context, root field.Element) error {
	return p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO batches (prev_root, next_root, batch_type, identities, indexes)
			VALUES (NULL, $1, $2, ARRAY[]::bytea[], ARRAY[]::bigint[])
			ON CONFLICT (next_root) DO NOTHING`, bytesOf(root), string(BatchInsertion))
		if err != nil {
			return sequencererr.Infrastructure(err, "insert batch head")
		}
		return nil
	})
}

func (p *Postgres) InsertNewBatch(ctx context.Context, next field.Element, prev *field.Element, typ BatchType, identities []field.Element, indexes []uint64) error {
	identityBytes := make([][]byte, len(identities))
	for i, e := range identities {
		identityBytes[i] = bytesOf(e)
	}
	indexInts := make([]int64, len(indexes))
	for i, idx := range indexes {
		indexInts[i] = int64(idx)
	}
	var prevBytes []byte
	if prev != nil {
		prevBytes = bytesOf(*prev)
	}
	return p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO batches (prev_root, next_root, batch_type, identities, indexes)
			VALUES ($1, $2, $3, $4, $5)`,
			prevBytes, bytesOf(next), string(typ), identityBytes, indexInts)
		if err != nil {
			return sequencererr.Infrastructure(err, "insert batch")
		}
		return nil
	})
}

func (p *Postgres) GetNextBatchWithoutTransaction(ctx context.Context) (*Batch, error) {
	var out *Batch
	err := p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT b.id, b.prev_root, b.next_root, b.batch_type, b.identities, b.indexes, b.created_at
			FROM batches b
			LEFT JOIN transactions t ON t.batch_next_root = b.next_root
			WHERE t.transaction_id IS NULL AND b.prev_root IS NOT NULL
			ORDER BY b.id ASC LIMIT 1`)
		var b Batch
		var prevBytes, nextBytes []byte
		var typ string
		var identityBytes [][]byte
		var indexInts []int64
		if err := row.Scan(&b.ID, &prevBytes, &nextBytes, &typ, &identityBytes, &indexInts, &b.CreatedAt); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return sequencererr.Infrastructure(err, "query next batch without transaction")
		}
		if prevBytes != nil {
			e := elementFromBytes(prevBytes)
			b.PrevRoot = &e
		}
		b.NextRoot = elementFromBytes(nextBytes)
		b.Type = BatchType(typ)
		b.Identities = make([]field.Element, len(identityBytes))
		for i, ib := range identityBytes {
			b.Identities[i] = elementFromBytes(ib)
		}
		b.Indexes = make([]uint64, len(indexInts))
		for i, idx := range indexInts {
			b.Indexes[i] = uint64(idx)
		}
		out = &b
		return nil
	})
	return out, err
}

func (p *Postgres) GetBatchByRoot(ctx context.Context, root field.Element) (*Batch, error) {
	var out *Batch
	err := p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, prev_root, next_root, batch_type, identities, indexes, created_at
			FROM batches WHERE next_root = $1`, bytesOf(root))
		var b Batch
		var prevBytes, nextBytes []byte
		var typ string
		var identityBytes [][]byte
		var indexInts []int64
		if err := row.Scan(&b.ID, &prevBytes, &nextBytes, &typ, &identityBytes, &indexInts, &b.CreatedAt); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return sequencererr.Infrastructure(err, "query batch by root")
		}
		if prevBytes != nil {
			e := elementFromBytes(prevBytes)
			b.PrevRoot = &e
		}
		b.NextRoot = elementFromBytes(nextBytes)
		b.Type = BatchType(typ)
		b.Identities = make([]field.Element, len(identityBytes))
		for i, ib := range identityBytes {
			b.Identities[i] = elementFromBytes(ib)
		}
		b.Indexes = make([]uint64, len(indexInts))
		for i, idx := range indexInts {
			b.Indexes[i] = uint64(idx)
		}
		out = &b
		return nil
	})
	return out, err
}

func (p *Postgres) DeleteBatchesAfterRoot(ctx context.Context, root field.Element) error {
	return p.withTx(ctx, repeatableRead, func(tx pgx.Tx) error {
		var targetID int64
		if err := tx.QueryRow(ctx, `SELECT id FROM batches WHERE next_root = $1`, bytesOf(root)).Scan(&targetID); err != nil {
			return sequencererr.Infrastructure(err, "locate batch for delete_batches_after_root")
		}
		_, err := tx.Exec(ctx, `DELETE FROM batches WHERE id > $1`, targetID)
		if err != nil {
			return sequencererr.Infrastructure(err, "delete batches after root")
		}
		return nil
	})
}

func (p *Postgres) InsertNewTransaction(ctx context.Context, txID string, batchNextRoot field.Element) error {
	return p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO transactions (transaction_id, batch_next_root) VALUES ($1, $2)`,
			txID, bytesOf(batchNextRoot))
		if err != nil {
			return sequencererr.Infrastructure(err, "insert new transaction")
		}
		return nil
	})
}

// --- deletions / recoveries ---

func (p *Postgres) InsertNewDeletion(ctx context.Context, leafIndex uint64, commitment field.Element) error {
	return p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO deletions (leaf_index, commitment) VALUES ($1, $2)
			ON CONFLICT (commitment) DO NOTHING`, int64(leafIndex), bytesOf(commitment))
		if err != nil {
			return sequencererr.Infrastructure(err, "insert new deletion")
		}
		return nil
	})
}

func (p *Postgres) GetDeletions(ctx context.Context) ([]DeletionEntry, error) {
	var out []DeletionEntry
	err := p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT leaf_index, commitment, created_at FROM deletions ORDER BY created_at ASC`)
		if err != nil {
			return sequencererr.Infrastructure(err, "query deletions")
		}
		defer rows.Close()
		for rows.Next() {
			var d DeletionEntry
			var leafIndex int64
			var commitment []byte
			if err := rows.Scan(&leafIndex, &commitment, &d.CreatedAt); err != nil {
				return sequencererr.Infrastructure(err, "scan deletion")
			}
			d.LeafIndex = uint64(leafIndex)
			d.Commitment = elementFromBytes(commitment)
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) RemoveDeletions(ctx context.Context, commitments []field.Element) error {
	bytes := make([][]byte, len(commitments))
	for i, c := range commitments {
		bytes[i] = bytesOf(c)
	}
	return p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM deletions WHERE commitment = ANY($1)`, bytes)
		if err != nil {
			return sequencererr.Infrastructure(err, "remove deletions")
		}
		return nil
	})
}

func (p *Postgres) InsertNewRecovery(ctx context.Context, existing, newCommitment field.Element) error {
	return p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO recoveries (existing_commitment, new_commitment) VALUES ($1, $2)
			ON CONFLICT (existing_commitment) DO UPDATE SET new_commitment = excluded.new_commitment`,
			bytesOf(existing), bytesOf(newCommitment))
		if err != nil {
			return sequencererr.Infrastructure(err, "insert new recovery")
		}
		return nil
	})
}

func (p *Postgres) DeleteRecoveries(ctx context.Context, existing []field.Element) ([]RecoveryEntry, error) {
	bytes := make([][]byte, len(existing))
	for i, e := range existing {
		bytes[i] = bytesOf(e)
	}
	var out []RecoveryEntry
	err := p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			DELETE FROM recoveries WHERE existing_commitment = ANY($1)
			RETURNING existing_commitment, new_commitment`, bytes)
		if err != nil {
			return sequencererr.Infrastructure(err, "delete recoveries")
		}
		defer rows.Close()
		for rows.Next() {
			var existingB, newB []byte
			if err := rows.Scan(&existingB, &newB); err != nil {
				return sequencererr.Infrastructure(err, "scan deleted recovery")
			}
			out = append(out, RecoveryEntry{
				ExistingCommitment: elementFromBytes(existingB),
				NewCommitment:      elementFromBytes(newB),
			})
		}
		return rows.Err()
	})
	return out, err
}

// --- queries ---

func (p *Postgres) GetRootState(ctx context.Context, root field.Element) (*RootItem, error) {
	var out *RootItem
	err := p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT root, status, pending_valid_as_of, mined_valid_as_of FROM root_history WHERE root = $1`, bytesOf(root))
		var r RootItem
		var rootBytes []byte
		var status string
		if err := row.Scan(&rootBytes, &status, &r.PendingValidAsOf, &r.MinedValidAsOf); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return sequencererr.Infrastructure(err, "query root state")
		}
		r.Root = elementFromBytes(rootBytes)
		r.Status = RootStatus(status)
		out = &r
		return nil
	})
	return out, err
}

func (p *Postgres) IdentityExists(ctx context.Context, commitment field.Element) (bool, error) {
	var exists bool
	err := p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM identities WHERE commitment = $1)`, bytesOf(commitment))
		if err := row.Scan(&exists); err != nil {
			return sequencererr.Infrastructure(err, "query identity_exists")
		}
		return nil
	})
	return exists, err
}

func (p *Postgres) GetTreeItem(ctx context.Context, commitment field.Element) (*TreeItem, error) {
	var out *TreeItem
	err := p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT leaf_index, sequence_id, status, commitment FROM identities
			WHERE commitment = $1 ORDER BY sequence_id DESC LIMIT 1`, bytesOf(commitment))
		item, err := scanTreeItem(row)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return sequencererr.Infrastructure(err, "query tree item")
		}
		out = &item
		return nil
	})
	return out, err
}

func (p *Postgres) GetTreeItemByLeafIndex(ctx context.Context, leafIndex uint64) (*TreeItem, error) {
	var out *TreeItem
	err := p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT leaf_index, sequence_id, status, commitment FROM identities
			WHERE leaf_index = $1 ORDER BY sequence_id DESC LIMIT 1`, int64(leafIndex))
		item, err := scanTreeItem(row)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return sequencererr.Infrastructure(err, "query tree item by leaf index")
		}
		out = &item
		return nil
	})
	return out, err
}

func (p *Postgres) GetNextLeafIndex(ctx context.Context) (uint64, error) {
	var next int64
	err := p.withTx(ctx, readCommitted, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT COALESCE(MAX(leaf_index) + 1, 0) FROM identities`)
		if err := row.Scan(&next); err != nil {
			return sequencererr.Infrastructure(err, "query next leaf index")
		}
		return nil
	})
	return uint64(next), err
}

func scanTreeItem(row interface{ Scan(...any) error }) (TreeItem, error) {
	var item TreeItem
	var leafIndex int64
	var status string
	var commitment []byte
	if err := row.Scan(&leafIndex, &item.SequenceID, &status, &commitment); err != nil {
		return item, err
	}
	item.LeafIndex = uint64(leafIndex)
	item.Status = IdentityStatus(status)
	item.Commitment = elementFromBytes(commitment)
	return item, nil
}
