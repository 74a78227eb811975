// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/kv"
)

// TimerWheel arms the per-slot response timeout. The authoritative
// state is the token in the KV store; the in-process timer is only a
// latency optimization. A callback fires only when the persisted token,
// the slot holder, and the session state all still agree, so stale
// timers (including timers from before a restart) are harmless.
type TimerWheel struct {
	store    *kv.Store
	sessions *SessionStore
	ttl      time.Duration

	// holder resolves the current slot holder of a group.
	holder    func(ctx context.Context, group structs.Group) (string, error)
	onTimeout func(ctx context.Context, chatID string, group structs.Group)

	mu     sync.Mutex
	timers map[string]*time.Timer

	logger hclog.Logger
}

func NewTimerWheel(store *kv.Store, sessions *SessionStore, ttl time.Duration, logger hclog.Logger) *TimerWheel {
	return &TimerWheel{
		store:     store,
		sessions:  sessions,
		ttl:       ttl,
		holder:    func(context.Context, structs.Group) (string, error) { return "", nil },
		onTimeout: func(context.Context, string, structs.Group) {},
		timers:    make(map[string]*time.Timer),
		logger:    logger.Named("timer"),
	}
}

// SetHolderFunc wires the slot-holder lookup.
func (w *TimerWheel) SetHolderFunc(fn func(ctx context.Context, group structs.Group) (string, error)) {
	w.holder = fn
}

// SetOnTimeout wires the timeout handler.
func (w *TimerWheel) SetOnTimeout(fn func(ctx context.Context, chatID string, group structs.Group)) {
	w.onTimeout = fn
}

// Arm writes a fresh token for the chat and schedules the deferred
// check. Re-arming replaces both the token and the timer, which
// invalidates any earlier schedule for the same chat.
func (w *TimerWheel) Arm(ctx context.Context, chatID string, group structs.Group) error {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}
	if err := w.store.SetTTL(ctx, timerKey(chatID), token, w.ttl); err != nil {
		return err
	}

	w.mu.Lock()
	if old, ok := w.timers[chatID]; ok {
		old.Stop()
	}
	w.timers[chatID] = time.AfterFunc(w.ttl, func() {
		w.fire(chatID, group, token)
	})
	w.mu.Unlock()
	return nil
}

// Disarm clears the token and stops the in-process timer.
func (w *TimerWheel) Disarm(ctx context.Context, chatID string) error {
	w.mu.Lock()
	if t, ok := w.timers[chatID]; ok {
		t.Stop()
		delete(w.timers, chatID)
	}
	w.mu.Unlock()
	return w.store.Del(ctx, timerKey(chatID))
}

// Stop halts all in-process timers. Tokens stay in the KV store and age
// out; the sweeper remains the correctness backstop after restart.
func (w *TimerWheel) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}

// fire runs the token/slot/state check chain and only then terminates
// the session via the timeout handler.
func (w *TimerWheel) fire(chatID string, group structs.Group, token string) {
	ctx := context.Background()

	w.mu.Lock()
	delete(w.timers, chatID)
	w.mu.Unlock()

	current, ok, err := w.store.Get(ctx, timerKey(chatID))
	if err != nil || !ok || current != token {
		return
	}

	holder, err := w.holder(ctx, group)
	if err != nil || holder != chatID {
		_ = w.store.Del(ctx, timerKey(chatID))
		return
	}

	sess, ok, err := w.sessions.Get(ctx, chatID)
	if err != nil || !ok || sess.State != structs.StateChoosingRoute {
		_ = w.store.Del(ctx, timerKey(chatID))
		return
	}

	if err := w.store.Del(ctx, timerKey(chatID)); err != nil {
		w.logger.Warn("failed to clear timer token", "chat_id", chatID, "error", err)
	}
	metrics.IncrCounter([]string{"despacho", "timer", "fired"}, 1)
	w.logger.Info("response timeout fired", "chat_id", chatID, "group", string(group))
	w.onTimeout(ctx, chatID, group)
}

// Sweeper is the per-group background reclaimer. Every interval it
// requeues an expired slot holder and, when the slot is free, activates
// the next waiter. It guards against missed in-process timers since the
// token and slot metadata survive in the KV store.
type Sweeper struct {
	group    structs.Group
	slots    *SlotController
	interval time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	logger hclog.Logger
}

func NewSweeper(group structs.Group, slots *SlotController, interval time.Duration, logger hclog.Logger) *Sweeper {
	return &Sweeper{
		group:    group,
		slots:    slots,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger.Named("sweeper").With("group", string(group)),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()

	if _, err := s.slots.RequeueExpiredActive(ctx); err != nil {
		s.logger.Warn("sweep reclaim failed", "error", err)
		return
	}
	if err := s.slots.Kick(ctx); err != nil {
		s.logger.Warn("sweep activation failed", "error", err)
	}
}
