// Package bridge wires the change sources to the slot ledger and the code
// dispatcher for one configured lock.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"locksync/internal/dispatch"
	"locksync/internal/ledger"
	"locksync/internal/notify"
	"locksync/internal/sources"

	"go.uber.org/zap"
)

// eventQueueSize bounds the change event buffer. The bus handlers feeding
// it must never block, so overflow drops with an error log instead.
const eventQueueSize = 128

// Coordinator drains change events from all sources on a single goroutine.
// Ledger reads and writes happen synchronously inside that loop, so two
// sources reporting the same user in the same instant still produce exactly
// one allocation; only the outbound lock calls run detached.
//
// The coordinator owns the ledger for its lifetime: Stop tears down the
// source subscriptions, waits out in-flight dispatches and flushes the
// ledger to disk.
type Coordinator struct {
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	notifier   notify.Notifier
	sources    []sources.Source
	logger     *zap.Logger

	events     chan sources.ChangeEvent
	loopDone   chan struct{}
	dispatches sync.WaitGroup
	mu         sync.Mutex
	started    bool
	stopped    bool
}

// New creates a Coordinator
func New(led *ledger.Ledger, dispatcher *dispatch.Dispatcher, notifier notify.Notifier, srcs []sources.Source, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		ledger:     led,
		dispatcher: dispatcher,
		notifier:   notifier,
		sources:    srcs,
		logger:     logger.Named("bridge"),
		events:     make(chan sources.ChangeEvent, eventQueueSize),
		loopDone:   make(chan struct{}),
	}
}

// Start launches the event loop and starts every source. A source that
// fails to start is logged and skipped; the remaining sources still run.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.run()

	for _, src := range c.sources {
		if err := src.Start(c.enqueue); err != nil {
			c.logger.Error("Failed to start source",
				zap.String("source", src.Name()), zap.Error(err))
		}
	}

	c.logger.Info("Sync coordinator started", zap.Int("sources", len(c.sources)))
	return nil
}

// Stop tears the bridge down: sources first so no new events arrive, then
// the loop, then the in-flight dispatches, then the ledger flush.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	for _, src := range c.sources {
		src.Stop()
	}

	close(c.events)
	<-c.loopDone

	c.dispatches.Wait()
	c.ledger.Close()

	c.logger.Info("Sync coordinator stopped")
}

// enqueue hands an event to the loop without blocking the caller, which
// runs on the websocket receive goroutine. The mutex is held across the
// send: Stop marks stopped under the same mutex before closing the channel,
// so no send can race the close.
func (c *Coordinator) enqueue(ev sources.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Error("Event queue full, dropping change event",
			zap.String("kind", ev.Kind.String()), zap.String("name", ev.Name))
	}
}

func (c *Coordinator) run() {
	defer close(c.loopDone)

	for ev := range c.events {
		c.handle(ev)
	}
}

// handle processes one change event. The ledger work completes before this
// returns; the lock write does not.
func (c *Coordinator) handle(ev sources.ChangeEvent) {
	if !ev.Valid() {
		c.logger.Debug("Ignoring malformed change event",
			zap.String("kind", ev.Kind.String()), zap.String("name", ev.Name))
		return
	}

	switch ev.Kind {
	case sources.Upsert:
		c.handleUpsert(ev.Name, ev.Code)
	case sources.Revoke:
		c.handleRevoke(ev.Name)
	}
}

func (c *Coordinator) handleUpsert(name, code string) {
	slot, err := c.ledger.AllocateOrGet(name)
	if err != nil {
		if errors.Is(err, ledger.ErrSlotsExhausted) {
			c.logger.Error("No free lock slot", zap.String("name", name))
			c.notifier.Notify(fmt.Sprintf(
				"Could not assign a code slot for %s: every slot is reserved. Revoke an unused code to free one.", name))
			return
		}
		c.logger.Error("Slot allocation failed",
			zap.String("name", name), zap.Error(err))
		return
	}

	// The dispatch goroutine awaits the call outcome itself; failures are
	// notified from inside Push and must not stall the loop.
	c.dispatches.Add(1)
	go func() {
		defer c.dispatches.Done()
		c.dispatcher.Push(name, code, slot)
	}()
}

// handleRevoke clears the physical slot but keeps the reservation, so a
// re-enabled user gets their old slot back. Revoking a name that never had
// a slot is a no-op.
func (c *Coordinator) handleRevoke(name string) {
	slot, ok := c.ledger.Slot(name)
	if !ok {
		c.logger.Debug("Revoke for unknown name", zap.String("name", name))
		return
	}

	c.dispatches.Add(1)
	go func() {
		defer c.dispatches.Done()
		c.dispatcher.Clear(name, slot)
	}()
}
