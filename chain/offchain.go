package chain

import (
	"context"
	"sync"
	"time"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// OffChainProcessor is the primary test double for IdentityProcessor: it
// elides chain scanning, treats every batch as mined the instant it is
// committed, and advances Processed and Mined in FinalizeIdentities
// against its own in-memory queue. Per the design note this carries the
// same contract as the on-chain implementation, just without a network.
type OffChainProcessor struct {
	mu sync.Mutex

	rootHistoryExpiry time.Duration
	maxEpochDuration  time.Duration

	committed  []field.Element // committed batch next-roots, in commit order
	processed  int             // index into committed already reported as Processed
	mined      int             // index into committed already reported as Mined
	latest     field.Element
	hasLatest  bool
	nextTxID   int
	inFlight   map[string]bool
}

// NewOffChainProcessor builds an OffChainProcessor with the given
// recovery-eligibility parameters (spec §9, invariant 6).
func NewOffChainProcessor(rootHistoryExpiry, maxEpochDuration time.Duration) *OffChainProcessor {
	return &OffChainProcessor{
		rootHistoryExpiry: rootHistoryExpiry,
		maxEpochDuration:  maxEpochDuration,
		inFlight:          make(map[string]bool),
	}
}

var _ IdentityProcessor = (*OffChainProcessor)(nil)

func (p *OffChainProcessor) CommitIdentities(_ context.Context, batch store.Batch) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = append(p.committed, batch.NextRoot)
	p.latest = batch.NextRoot
	p.hasLatest = true
	p.nextTxID++
	txID := offchainTxID(p.nextTxID)
	p.inFlight[txID] = true
	return txID, nil
}

// FinalizeIdentities immediately advances both Processed and Mined to
// the latest committed root: off-chain mode has no separate main/
// secondary chain confirmation delay.
func (p *OffChainProcessor) FinalizeIdentities(_ context.Context) (field.Element, field.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var processedRoot, minedRoot field.Element
	if p.processed < len(p.committed) {
		p.processed = len(p.committed)
		processedRoot = p.committed[p.processed-1]
	}
	if p.mined < len(p.committed) {
		p.mined = len(p.committed)
		minedRoot = p.committed[p.mined-1]
	}
	return processedRoot, minedRoot, nil
}

func (p *OffChainProcessor) AwaitCleanSlate(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, inFlight := range p.inFlight {
		if inFlight {
			delete(p.inFlight, id)
		}
	}
	return nil
}

func (p *OffChainProcessor) MineTransaction(_ context.Context, txID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inFlight[txID] {
		return false, sequencererr.Absence("mine_transaction: unknown transaction id %s", txID)
	}
	p.inFlight[txID] = false
	return true, nil
}

func (p *OffChainProcessor) TreeInitCorrection(_ context.Context, genesisRoot field.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasLatest {
		p.latest = genesisRoot
		p.hasLatest = true
	}
	return nil
}

func (p *OffChainProcessor) LatestRoot(_ context.Context) (field.Element, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.hasLatest, nil
}

func (p *OffChainProcessor) RootHistoryExpiry() time.Duration { return p.rootHistoryExpiry }
func (p *OffChainProcessor) MaxEpochDuration() time.Duration  { return p.maxEpochDuration }

func offchainTxID(n int) string {
	const alphabet = "0123456789abcdef"
	if n == 0 {
		return "0x0"
	}
	buf := make([]byte, 0, 18)
	buf = append(buf, '0', 'x')
	started := false
	for shift := 60; shift >= 0; shift -= 4 {
		d := (n >> uint(shift)) & 0xf
		if d != 0 {
			started = true
		}
		if started {
			buf = append(buf, alphabet[d])
		}
	}
	return string(buf)
}
