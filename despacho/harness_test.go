// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/despacho/despacho/state"
	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/helper/testlog"
	"github.com/hashicorp/despacho/kv"
)

// fakeSender records outbound messages per chat.
type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]string
	fail bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]string)}
}

func (f *fakeSender) Send(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("send failed")
	}
	f.sent[chatID] = append(f.sent[chatID], text)
	return nil
}

func (f *fakeSender) messages(chatID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent[chatID]))
	copy(out, f.sent[chatID])
	return out
}

func (f *fakeSender) last(chatID string) string {
	msgs := f.messages(chatID)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func (f *fakeSender) contains(chatID, substr string) bool {
	for _, m := range f.messages(chatID) {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// waitUntil polls for an asynchronous condition the way the sweeper and
// detached notifications surface their effects.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// harness wires a full dispatch core against an in-process redis and an
// in-memory sqlite database. Notifications run synchronously so tests
// stay deterministic.
type harness struct {
	t        *testing.T
	mr       *miniredis.Miniredis
	store    *kv.Store
	locks    *kv.Lock
	db       *state.Store
	sessions *SessionStore
	events   *EventLog
	queues   map[structs.Group]*Queue
	slots    map[structs.Group]*SlotController
	timers   *TimerWheel
	claimer  *Claimer
	admin    *Admin
	handler  *SessionHandler
	sender   *fakeSender

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := testlog.HCLogger(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewStoreFromClient(client, logger)
	t.Cleanup(func() { store.Close() })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := state.Open(dsn, store, logger)
	must.NoError(t, err)
	must.NoError(t, db.Migrate())

	h := &harness{
		t:      t,
		mr:     mr,
		store:  store,
		db:     db,
		sender: newFakeSender(),
		now:    time.Now(),
	}

	cfg := DefaultConfig()
	h.locks = kv.NewLock(store, logger)
	h.sessions = NewSessionStore(store, cfg.StateTTL)
	h.events = NewEventLog(store, logger)
	h.events.now = h.clock

	h.queues = make(map[structs.Group]*Queue)
	h.slots = make(map[structs.Group]*SlotController)
	for _, g := range structs.Groups {
		h.queues[g] = NewQueue(g, store, h.locks, h.sessions, db,
			cfg.BlocklistWait, cfg.StateTTL, logger)
		h.queues[g].now = h.clock
		h.slots[g] = NewSlotController(g, store, h.locks, h.queues[g], cfg.QueueTTL, logger)
		h.slots[g].now = h.clock
	}

	h.timers = NewTimerWheel(store, h.sessions, cfg.QueueTTL, logger)
	t.Cleanup(h.timers.Stop)
	h.claimer = NewClaimer(db, db, h.events, logger)
	h.admin = NewAdmin(store, h.sessions, h.sender, h.events, "segredo", nil, logger)
	h.handler = NewSessionHandler(h.sessions, store, h.queues, h.slots,
		h.timers, h.claimer, db, h.sender, h.events, h.admin, logger)

	for _, g := range structs.Groups {
		h.slots[g].SetNotify(func(ctx context.Context, chatID string) {
			h.handler.ActivateChat(ctx, chatID)
		})
		h.slots[g].SetOnExpire(h.handler.HandleTimeout)
	}
	h.timers.SetHolderFunc(func(ctx context.Context, group structs.Group) (string, error) {
		return h.slots[group].Holder(ctx)
	})
	h.timers.SetOnTimeout(h.handler.HandleTimeout)

	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) seedDriver(id, name, vehicle string, priority int) {
	h.t.Helper()
	must.NoError(h.t, h.db.SeedDriver(&structs.Driver{
		ID: id, Name: name, VehicleType: vehicle, Priority: priority,
	}))
}

func (h *harness) seedRoute(id, vehicle, description string) {
	h.t.Helper()
	must.NoError(h.t, h.db.SeedRoute(&structs.Route{
		ID: id, VehicleType: vehicle, Description: description, Status: structs.RouteAvailable,
	}))
}

func (h *harness) seedBlocklist(driverID string) {
	h.t.Helper()
	must.NoError(h.t, h.db.SeedBlocklist(&structs.BlocklistEntry{
		DriverID: driverID, Status: structs.BlocklistActive,
	}))
}

// seedSession writes an identified session directly, skipping the
// WAITING_ID exchange.
func (h *harness) seedSession(chatID, driverID, name, vehicle string, priority int, st structs.SessionState) *structs.Session {
	h.t.Helper()
	sess := &structs.Session{
		ChatID:      chatID,
		State:       st,
		DriverID:    driverID,
		DriverName:  name,
		VehicleType: vehicle,
		Priority:    priority,
		Group:       structs.GroupForVehicle(vehicle),
	}
	must.NoError(h.t, h.sessions.Put(context.Background(), sess))
	return sess
}

func (h *harness) queueList(g structs.Group) []string {
	list, err := h.store.LRange(context.Background(), queueListKey(g), 0, -1)
	must.NoError(h.t, err)
	return list
}
