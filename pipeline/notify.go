// Package pipeline wires the six background tasks that move identity
// commitments through the four-stage tree (ModifyTree, CreateBatches,
// ProcessBatches, MonitorTxs, FinalizeIdentities, SyncTreeStateWithDb),
// plus the boot-time TreeInitializer, into the cooperative single-process
// runtime described by the tree and persistence packages.
package pipeline

import (
	"context"
	"sync"
)

// Notifier is a coalescing wake-up signal: any number of Signal calls
// between two receives on C are collapsed into one wake-up, matching the
// sync_tree_notify / next_batch_notify / per-task wake_up_notify
// primitives, each of which exists only to tell a single consumer task
// "there may be more work" without queuing duplicate ticks.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier returns a Notifier with its single wake-up slot pre-armed,
// so the first receive on C after construction returns immediately.
func NewNotifier() *Notifier {
	n := &Notifier{ch: make(chan struct{}, 1)}
	n.Signal()
	return n
}

// Signal arms the notifier. A pending, unconsumed signal is left as-is.
func (n *Notifier) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C exposes the underlying channel for use in a select alongside a timer
// or the shutdown context.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}

// Watch is a single-slot broadcast with sticky-last-value semantics: a
// Publish replaces the current value and wakes every Wait call blocked
// since the last one it observed, modeling the tree_synced channel:
// SyncTreeStateWithDb publishes after every pass, and CreateBatches waits
// on it once, before its first tick.
type Watch struct {
	mu   sync.Mutex
	gen  uint64
	cond *sync.Cond
}

// NewWatch returns a Watch at generation 0 (no publish has happened yet).
func NewWatch() *Watch {
	w := &Watch{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Publish advances the generation and wakes every waiter.
func (w *Watch) Publish() {
	w.mu.Lock()
	w.gen++
	w.mu.Unlock()
	w.cond.Broadcast()
}

// WaitAfter blocks until the generation advances past seen, then returns
// the new generation. Pass the generation returned by a previous call (or
// 0 on first use) as seen.
func (w *Watch) WaitAfter(seen uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.gen <= seen {
		w.cond.Wait()
	}
	return w.gen
}

// WaitContext is WaitAfter, but also returns early with ok=false if ctx
// is cancelled first. CreateBatches uses this instead of WaitAfter so a
// cancelled context cannot leave it blocked forever.
func (w *Watch) WaitContext(ctx context.Context, seen uint64) (gen uint64, ok bool) {
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.cond.Broadcast()
			w.mu.Unlock()
		case <-stop:
		}
		close(done)
	}()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.gen <= seen {
		select {
		case <-ctx.Done():
			return w.gen, false
		default:
		}
		w.cond.Wait()
	}
	return w.gen, true
}

// Generation returns the current generation without blocking.
func (w *Watch) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}
