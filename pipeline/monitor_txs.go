package pipeline

import (
	"context"
	"time"

	"github.com/worldcoin/signup-sequencer/chain"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/sequencererr"
)

// MonitorTxs consumes transaction ids from the bounded channel
// ProcessBatches feeds and polls MineTransaction for each, every
// pollEvery, until it reports the transaction mined. An error from
// MineTransaction is returned so the supervisor restarts the task. A
// transaction the submitter reports as failed comes back as not mined,
// so MonitorTxs keeps polling it rather than failing.
type MonitorTxs struct {
	processor chain.IdentityProcessor
	logger    *log.Logger
	txIDs     <-chan string
	pollEvery time.Duration
}

func NewMonitorTxs(processor chain.IdentityProcessor, logger *log.Logger, txIDs <-chan string) *MonitorTxs {
	return &MonitorTxs{processor: processor, logger: logger, txIDs: txIDs, pollEvery: time.Second}
}

func (m *MonitorTxs) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case txID, ok := <-m.txIDs:
			if !ok {
				return nil
			}
			if err := m.awaitMined(ctx, txID); err != nil {
				return err
			}
		}
	}
}

func (m *MonitorTxs) awaitMined(ctx context.Context, txID string) error {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		mined, err := m.processor.MineTransaction(ctx, txID)
		if err != nil {
			return sequencererr.Infrastructure(err, "monitor_txs: mine_transaction %s", txID)
		}
		if mined {
			m.logger.Info("transaction mined", "tx_id", txID)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

