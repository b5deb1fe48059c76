// Package dispatch translates slot assignments into outbound ZHA lock
// service calls.
package dispatch

import (
	"fmt"
	"time"

	"locksync/internal/clock"
	"locksync/internal/notify"

	"go.uber.org/zap"
)

// ServiceCaller is the slice of the HA client the dispatcher needs
type ServiceCaller interface {
	CallService(domain, service string, data map[string]interface{}, wait bool) error
}

// Dispatcher writes and clears user codes on a single ZHA lock. Calls are
// best effort and at most once: a failed write is reported, never retried,
// and never rolls back the ledger reservation.
type Dispatcher struct {
	client        ServiceCaller
	lockEntity    string
	settleDelay   time.Duration
	notifyOnClear bool
	clock         clock.Clock
	notifier      notify.Notifier
	logger        *zap.Logger
}

// Options configures a Dispatcher
type Options struct {
	// LockEntity is the lock entity the codes are written to
	LockEntity string

	// SettleDelay is slept before each code write. The lock's radio
	// cluster drops writes that arrive too soon after the previous one.
	SettleDelay time.Duration

	// NotifyOnClearFailure raises a notification when clearing a slot
	// fails, in addition to the log entry
	NotifyOnClearFailure bool
}

// New creates a Dispatcher
func New(client ServiceCaller, opts Options, notifier notify.Notifier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:        client,
		lockEntity:    opts.LockEntity,
		settleDelay:   opts.SettleDelay,
		notifyOnClear: opts.NotifyOnClearFailure,
		clock:         clock.NewRealClock(),
		notifier:      notifier,
		logger:        logger.Named("dispatch"),
	}
}

// SetClock sets the clock implementation (useful for testing)
func (d *Dispatcher) SetClock(c clock.Clock) {
	d.clock = c
}

// Push writes a user code into a slot on the lock. On failure the slot
// stays reserved for the name, so a later retry of the same user reuses it
// instead of leaking a second slot, and the user is notified with the full
// outbound payload.
func (d *Dispatcher) Push(name, code string, slot int) error {
	if d.settleDelay > 0 {
		d.clock.Sleep(d.settleDelay)
	}

	err := d.client.CallService("zha", "set_lock_user_code", map[string]interface{}{
		"entity_id": d.lockEntity,
		"code_slot": slot,
		"user_code": code,
	}, true)
	if err != nil {
		d.logger.Warn("Failed to write user code",
			zap.String("name", name),
			zap.String("lock", d.lockEntity),
			zap.Int("slot", slot),
			zap.Error(err))
		d.notifier.Notify(fmt.Sprintf(
			"Could not write code for %s to %s. Payload: [entity_id: %s, code_slot: %d, user_code: %s]. Error: %v",
			name, d.lockEntity, d.lockEntity, slot, code, err))
		return err
	}

	d.logger.Info("Synced user code",
		zap.String("name", name),
		zap.String("lock", d.lockEntity),
		zap.Int("slot", slot))
	return nil
}

// Clear removes whatever code occupies a slot on the lock. The ledger
// reservation is untouched; clearing the physical slot and releasing the
// logical one are separate decisions made by the coordinator.
func (d *Dispatcher) Clear(name string, slot int) error {
	err := d.client.CallService("zha", "clear_lock_user_code", map[string]interface{}{
		"entity_id": d.lockEntity,
		"code_slot": slot,
	}, true)
	if err != nil {
		d.logger.Warn("Failed to clear user code",
			zap.String("name", name),
			zap.String("lock", d.lockEntity),
			zap.Int("slot", slot),
			zap.Error(err))
		if d.notifyOnClear {
			d.notifier.Notify(fmt.Sprintf(
				"Could not clear code slot %d for %s on %s. Error: %v",
				slot, name, d.lockEntity, err))
		}
		return err
	}

	d.logger.Info("Cleared user code",
		zap.String("name", name),
		zap.String("lock", d.lockEntity),
		zap.Int("slot", slot))
	return nil
}
