// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/kv"
)

// slotMeta is the persisted record of who holds the slot and since
// when. It outlives the slot key itself so a crashed holder can still
// be observed and reclaimed without ambiguity.
type slotMeta struct {
	ChatID    string    `json:"chat_id"`
	StartedAt time.Time `json:"started_at"`
}

// SlotController maintains the single-active-driver invariant for one
// group. The slot holder key carries the service-window TTL; the meta
// key carries twice that so the sweeper can observe an expired holder.
//
// Chat sends never happen inside a lock scope: activation collects the
// chat to notify and the notification runs after the lock is released.
type SlotController struct {
	group structs.Group
	store *kv.Store
	locks *kv.Lock
	queue *Queue

	// slotTTL is the service window (QUEUE_TTL); metaTTL is 2x.
	slotTTL time.Duration
	metaTTL time.Duration

	// notify hands a freshly activated chat to the session layer.
	// onExpire is invoked for a holder reclaimed by the sweeper.
	notify   func(ctx context.Context, chatID string)
	onExpire func(ctx context.Context, chatID string, group structs.Group)

	logger hclog.Logger
	now    func() time.Time
}

func NewSlotController(group structs.Group, store *kv.Store, locks *kv.Lock, queue *Queue,
	slotTTL time.Duration, logger hclog.Logger) *SlotController {

	return &SlotController{
		group:    group,
		store:    store,
		locks:    locks,
		queue:    queue,
		slotTTL:  slotTTL,
		metaTTL:  2 * slotTTL,
		notify:   func(context.Context, string) {},
		onExpire: func(context.Context, string, structs.Group) {},
		logger:   logger.Named("slot").With("group", string(group)),
		now:      time.Now,
	}
}

// SetNotify wires the callback that serves a newly activated chat.
func (c *SlotController) SetNotify(fn func(ctx context.Context, chatID string)) {
	c.notify = fn
}

// SetOnExpire wires the timeout handler invoked for reclaimed holders.
func (c *SlotController) SetOnExpire(fn func(ctx context.Context, chatID string, group structs.Group)) {
	c.onExpire = fn
}

// Holder returns the current slot holder, or "" when the slot is free.
func (c *SlotController) Holder(ctx context.Context) (string, error) {
	holder, ok, err := c.store.Get(ctx, queueActiveKey(c.group))
	if err != nil || !ok {
		return "", err
	}
	return holder, nil
}

// TryAcquire attempts to make chatID the slot holder. It is idempotent
// for the current holder. When the slot is held by someone else, an
// expiry check runs first; if the holder is still live the caller
// stays queued.
func (c *SlotController) TryAcquire(ctx context.Context, chatID string) (bool, error) {
	holder, err := c.Holder(ctx)
	if err != nil {
		return false, err
	}
	if holder == chatID {
		return true, nil
	}
	if holder != "" {
		expired, err := c.RequeueExpiredActive(ctx)
		if err != nil {
			return false, err
		}
		if !expired {
			return false, nil
		}
	}
	return c.activateNext(ctx, chatID)
}

// Kick activates the next waiter if the slot is free. Used by the
// sweeper so an idle group does not depend on inbound traffic to make
// progress.
func (c *SlotController) Kick(ctx context.Context) error {
	holder, err := c.Holder(ctx)
	if err != nil || holder != "" {
		return err
	}
	_, err = c.activateNext(ctx, "")
	return err
}

// activateNext installs the next queued chat as the slot holder. When
// the installed chat differs from the caller, the notify callback runs
// after the lock is released.
func (c *SlotController) activateNext(ctx context.Context, caller string) (bool, error) {
	var next string
	err := c.locks.WithLock(ctx, queueLockKey(c.group), func() error {
		// Another process may have raced us to the slot.
		holder, ok, err := c.store.Get(ctx, queueActiveKey(c.group))
		if err != nil {
			return err
		}
		if ok {
			next = holder
			return nil
		}

		picked, err := c.queue.PickNext(ctx)
		if err != nil || picked == "" {
			return err
		}
		if err := c.install(ctx, picked); err != nil {
			return err
		}
		next = picked
		return nil
	})
	if err != nil || next == "" {
		return false, err
	}

	if next != caller {
		c.notify(ctx, next)
		return false, nil
	}
	return true, nil
}

// install writes the slot holder and metadata keys.
func (c *SlotController) install(ctx context.Context, chatID string) error {
	if err := c.store.SetTTL(ctx, queueActiveKey(c.group), chatID, c.slotTTL); err != nil {
		return err
	}
	meta, err := json.Marshal(slotMeta{ChatID: chatID, StartedAt: c.now()})
	if err != nil {
		return err
	}
	if err := c.store.SetTTL(ctx, queueMetaKey(c.group), string(meta), c.metaTTL); err != nil {
		return err
	}
	metrics.IncrCounter([]string{"despacho", "slot", "activate"}, 1)
	c.logger.Debug("slot activated", "chat_id", chatID)
	return nil
}

// RefreshMeta restarts the holder's service window. Called each time
// the holder is served a routes menu.
func (c *SlotController) RefreshMeta(ctx context.Context, chatID string) error {
	meta, err := json.Marshal(slotMeta{ChatID: chatID, StartedAt: c.now()})
	if err != nil {
		return err
	}
	if err := c.store.SetTTL(ctx, queueMetaKey(c.group), string(meta), c.metaTTL); err != nil {
		return err
	}
	return c.store.SetTTL(ctx, queueActiveKey(c.group), chatID, c.slotTTL)
}

// Release clears the slot if owner still holds it (or if it is already
// free) and activates the next waiter. An owner of "" forces the
// release. The owner guard makes delayed duplicate releases harmless:
// once a successor holds the slot, a stale release is a no-op.
func (c *SlotController) Release(ctx context.Context, owner string) error {
	var next string
	err := c.locks.WithLock(ctx, queueLockKey(c.group), func() error {
		holder, ok, err := c.store.Get(ctx, queueActiveKey(c.group))
		if err != nil {
			return err
		}
		if ok && owner != "" && holder != owner {
			return nil
		}
		if err := c.store.Del(ctx, queueActiveKey(c.group), queueMetaKey(c.group)); err != nil {
			return err
		}

		picked, err := c.queue.PickNext(ctx)
		if err != nil || picked == "" {
			return err
		}
		if err := c.install(ctx, picked); err != nil {
			return err
		}
		next = picked
		return nil
	})
	if err != nil {
		return err
	}

	if next != "" {
		c.notify(ctx, next)
	}
	return nil
}

// RequeueExpiredActive reclaims a slot whose holder outlived the
// service window, invoking the timeout handler for the stale holder.
// Returns whether a slot was reclaimed. A secondary reclaim lock keeps
// concurrent sweepers and inbound handlers from double-reclaiming.
func (c *SlotController) RequeueExpiredActive(ctx context.Context) (bool, error) {
	var stale string
	err := c.locks.WithLock(ctx, reclaimLockKey(c.group), func() error {
		raw, ok, err := c.store.Get(ctx, queueMetaKey(c.group))
		if err != nil || !ok {
			return err
		}
		var meta slotMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			// Unreadable meta: drop both keys, the sweeper restarts the group.
			_ = c.store.Del(ctx, queueActiveKey(c.group), queueMetaKey(c.group))
			return nil
		}
		if c.now().Sub(meta.StartedAt) < c.slotTTL {
			return nil
		}
		if err := c.store.Del(ctx, queueActiveKey(c.group), queueMetaKey(c.group)); err != nil {
			return err
		}
		stale = meta.ChatID
		return nil
	})
	if err != nil {
		return false, err
	}
	if stale == "" {
		return false, nil
	}

	metrics.IncrCounter([]string{"despacho", "slot", "expired"}, 1)
	c.logger.Info("reclaimed expired slot", "chat_id", stale)
	c.onExpire(ctx, stale, c.group)
	return true, nil
}
