// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/kv"
)

// Sender delivers outbound chat messages. Failures are transient and
// never block a state transition; the driver can resend and the timers
// guarantee eventual progress.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// DriverRepo is the slice of the state store the session layer reads.
type DriverRepo interface {
	FindDriver(ctx context.Context, driverID string) (*structs.Driver, error)
	ListAvailableForVehicle(ctx context.Context, vehicleType string) ([]structs.Route, error)
}

const cmdEnd = "encerrar"

// SessionHandler drives the per-driver conversational state machine.
// Messages from the same chat are processed serially under a per-chat
// mutex; everything across chats coordinates through the KV store.
type SessionHandler struct {
	sessions *SessionStore
	store    *kv.Store
	queues   map[structs.Group]*Queue
	slots    map[structs.Group]*SlotController
	timers   *TimerWheel
	claimer  *Claimer
	drivers  DriverRepo
	sender   Sender
	events   *EventLog
	admin    *Admin

	chatLocks sync.Map // chatID -> *sync.Mutex

	logger hclog.Logger
}

func NewSessionHandler(sessions *SessionStore, store *kv.Store, queues map[structs.Group]*Queue,
	slots map[structs.Group]*SlotController, timers *TimerWheel, claimer *Claimer,
	drivers DriverRepo, sender Sender, events *EventLog, admin *Admin, logger hclog.Logger) *SessionHandler {

	return &SessionHandler{
		sessions: sessions,
		store:    store,
		queues:   queues,
		slots:    slots,
		timers:   timers,
		claimer:  claimer,
		drivers:  drivers,
		sender:   sender,
		events:   events,
		admin:    admin,
		logger:   logger.Named("session"),
	}
}

func (h *SessionHandler) chatLock(chatID string) *sync.Mutex {
	mu, _ := h.chatLocks.LoadOrStore(chatID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// HandleMessage processes one inbound chat message end to end. KV
// failures drop the event without a reply; the sweeper reconverges.
func (h *SessionHandler) HandleMessage(ctx context.Context, chatID, text string) {
	defer metrics.MeasureSince([]string{"despacho", "session", "handle"}, time.Now())

	mu := h.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	text = strings.TrimSpace(text)
	// Legacy alias: "0" ended sessions long before "encerrar" existed.
	if text == "0" {
		text = cmdEnd
	}

	// Admin commands take precedence over everything.
	switch text {
	case "/sync", "/atualizar_dados":
		h.admin.BeginSync(ctx, chatID, structs.SyncAll)
		return
	case "/syncDriver":
		h.admin.BeginSync(ctx, chatID, structs.SyncDrivers)
		return
	case "/logdiario":
		h.admin.DumpLog(ctx, chatID)
		return
	}

	sess, ok, err := h.sessions.Get(ctx, chatID)
	if err != nil {
		h.logger.Warn("session read failed, dropping event", "chat_id", chatID, "error", err)
		return
	}

	if ok && sess.State == structs.StateAwaitingSyncPassword {
		h.admin.CheckPassword(ctx, sess, text)
		return
	}

	// Global sync gate: non-admin traffic waits.
	if h.admin.SyncInProgress(ctx) {
		h.send(ctx, chatID, msgSyncWait)
		return
	}

	// First contact: create the session and greet.
	if !ok {
		sess = &structs.Session{ChatID: chatID, State: structs.StateWaitingID}
		if err := h.sessions.Put(ctx, sess); err != nil {
			h.logger.Warn("session create failed", "chat_id", chatID, "error", err)
			return
		}
		h.events.Append(ctx, "session_open", "chat", chatID)
		h.send(ctx, chatID, msgGreet)
		return
	}

	if sess.InQueue {
		h.handleQueued(ctx, sess, text)
		return
	}

	switch sess.State {
	case structs.StateWaitingID:
		h.handleWaitingID(ctx, sess, text)
	case structs.StateMenu:
		h.handleMenu(ctx, sess, text)
	case structs.StateChoosingRoute:
		h.handleChoosingRoute(ctx, sess, text)
	case structs.StateHelpMenu:
		h.handleHelpMenu(ctx, sess, text)
	default:
		h.logger.Error("session in unknown state", "chat_id", chatID, "state", string(sess.State))
		_ = h.sessions.Delete(ctx, chatID)
	}
}

// handleQueued serves a session that is waiting in line. Any message
// re-asserts queue membership and probes the slot; "encerrar" leaves.
func (h *SessionHandler) handleQueued(ctx context.Context, sess *structs.Session, text string) {
	queue := h.queues[sess.Group]
	slot := h.slots[sess.Group]

	if text == cmdEnd {
		if err := queue.Remove(ctx, sess.ChatID); err != nil {
			h.logger.Warn("dequeue failed", "chat_id", sess.ChatID, "error", err)
		}
		_ = h.sessions.Delete(ctx, sess.ChatID)
		h.events.Append(ctx, "dequeue", "chat", sess.ChatID)
		h.send(ctx, sess.ChatID, msgSessionClosed)
		return
	}

	pos, err := queue.Enqueue(ctx, sess.ChatID)
	if err != nil {
		h.logger.Warn("re-enqueue failed", "chat_id", sess.ChatID, "error", err)
		return
	}
	acquired, err := slot.TryAcquire(ctx, sess.ChatID)
	if err != nil {
		h.logger.Warn("slot probe failed", "chat_id", sess.ChatID, "error", err)
		return
	}
	if acquired {
		h.enterChoosingRoute(ctx, sess)
		return
	}
	h.send(ctx, sess.ChatID, renderQueuePosition(pos))
}

func (h *SessionHandler) handleWaitingID(ctx context.Context, sess *structs.Session, text string) {
	driver, err := h.drivers.FindDriver(ctx, text)
	if err == structs.ErrUnknownDriver {
		h.send(ctx, sess.ChatID, msgInvalidID)
		return
	}
	if err != nil {
		h.logger.Warn("driver lookup failed", "chat_id", sess.ChatID, "error", err)
		return
	}

	sess.DriverID = driver.ID
	sess.DriverName = driver.Name
	sess.VehicleType = driver.VehicleType
	sess.Priority = driver.Priority
	sess.Group = structs.GroupForVehicle(driver.VehicleType)
	sess.State = structs.StateMenu
	if err := h.sessions.Put(ctx, sess); err != nil {
		h.logger.Warn("session write failed", "chat_id", sess.ChatID, "error", err)
		return
	}

	h.events.Append(ctx, "identified", "chat", sess.ChatID, "driver", driver.ID)
	h.send(ctx, sess.ChatID, renderGreeting(driver.Name))
	h.send(ctx, sess.ChatID, msgMainMenu)
}

func (h *SessionHandler) handleMenu(ctx context.Context, sess *structs.Session, text string) {
	switch text {
	case cmdEnd:
		h.endSession(ctx, sess.ChatID)

	case "1":
		assigned, err := h.claimer.AlreadyAssigned(ctx, sess.DriverID)
		if err != nil {
			h.logger.Warn("assignment check failed", "chat_id", sess.ChatID, "error", err)
			return
		}
		if assigned {
			h.send(ctx, sess.ChatID, msgAlreadyAssigned)
			_ = h.sessions.Delete(ctx, sess.ChatID)
			h.events.Append(ctx, "session_close", "chat", sess.ChatID, "reason", "already_assigned")
			return
		}

		queue := h.queues[sess.Group]
		slot := h.slots[sess.Group]

		pos, err := queue.Enqueue(ctx, sess.ChatID)
		if err != nil {
			h.logger.Warn("enqueue failed", "chat_id", sess.ChatID, "error", err)
			return
		}
		h.events.Append(ctx, "enqueue", "chat", sess.ChatID, "group", string(sess.Group),
			"position", strconv.Itoa(pos))

		acquired, err := slot.TryAcquire(ctx, sess.ChatID)
		if err != nil {
			h.logger.Warn("slot acquire failed", "chat_id", sess.ChatID, "error", err)
			return
		}
		if acquired {
			h.enterChoosingRoute(ctx, sess)
			return
		}
		sess.InQueue = true
		if err := h.sessions.Put(ctx, sess); err != nil {
			h.logger.Warn("session write failed", "chat_id", sess.ChatID, "error", err)
			return
		}
		h.send(ctx, sess.ChatID, renderQueuePosition(pos))

	case "2":
		sess.State = structs.StateHelpMenu
		if err := h.sessions.Put(ctx, sess); err != nil {
			h.logger.Warn("session write failed", "chat_id", sess.ChatID, "error", err)
			return
		}
		h.send(ctx, sess.ChatID, msgHelpMenu)

	default:
		h.send(ctx, sess.ChatID, msgInvalidOption)
		h.send(ctx, sess.ChatID, msgMainMenu)
	}
}

// enterChoosingRoute serves the routes menu to the slot holder. With no
// routes to offer, the slot is released immediately and the session
// drops back to the menu.
func (h *SessionHandler) enterChoosingRoute(ctx context.Context, sess *structs.Session) {
	slot := h.slots[sess.Group]

	routes, err := h.drivers.ListAvailableForVehicle(ctx, sess.VehicleType)
	if err != nil {
		h.logger.Warn("route listing failed", "chat_id", sess.ChatID, "error", err)
		return
	}

	if len(routes) == 0 {
		sess.InQueue = false
		sess.State = structs.StateMenu
		sess.AvailableRoutes = nil
		if err := h.sessions.Put(ctx, sess); err != nil {
			h.logger.Warn("session write failed", "chat_id", sess.ChatID, "error", err)
		}
		if err := slot.Release(ctx, sess.ChatID); err != nil {
			h.logger.Warn("slot release failed", "chat_id", sess.ChatID, "error", err)
		}
		h.send(ctx, sess.ChatID, msgNoRoutes)
		h.send(ctx, sess.ChatID, msgMainMenu)
		return
	}

	refs := make([]structs.RouteRef, len(routes))
	for i, r := range routes {
		refs[i] = r.Ref()
	}

	sess.InQueue = false
	sess.State = structs.StateChoosingRoute
	sess.AvailableRoutes = refs
	if err := h.sessions.Put(ctx, sess); err != nil {
		h.logger.Warn("session write failed", "chat_id", sess.ChatID, "error", err)
		return
	}

	h.send(ctx, sess.ChatID, renderRoutes(refs))

	if err := slot.RefreshMeta(ctx, sess.ChatID); err != nil {
		h.logger.Warn("slot refresh failed", "chat_id", sess.ChatID, "error", err)
	}
	if err := h.timers.Arm(ctx, sess.ChatID, sess.Group); err != nil {
		h.logger.Warn("timer arm failed", "chat_id", sess.ChatID, "error", err)
	}
	h.events.Append(ctx, "choosing", "chat", sess.ChatID, "routes", strconv.Itoa(len(refs)))
}

func (h *SessionHandler) handleChoosingRoute(ctx context.Context, sess *structs.Session, text string) {
	slot := h.slots[sess.Group]

	if text == cmdEnd {
		_ = h.timers.Disarm(ctx, sess.ChatID)
		_ = h.sessions.Delete(ctx, sess.ChatID)
		if err := slot.Release(ctx, sess.ChatID); err != nil {
			h.logger.Warn("slot release failed", "chat_id", sess.ChatID, "error", err)
		}
		h.events.Append(ctx, "session_close", "chat", sess.ChatID, "reason", "user")
		h.send(ctx, sess.ChatID, msgSessionClosed)
		return
	}

	n, err := strconv.Atoi(text)
	if err != nil || n < 1 || n > len(sess.AvailableRoutes) {
		h.send(ctx, sess.ChatID, msgInvalidOption)
		h.send(ctx, sess.ChatID, renderRoutes(sess.AvailableRoutes))
		return
	}
	route := sess.AvailableRoutes[n-1]

	// Re-check on the claim edge: the same human may be racing us from
	// another chat.
	assigned, err := h.claimer.AlreadyAssigned(ctx, sess.DriverID)
	if err != nil {
		h.logger.Warn("assignment check failed", "chat_id", sess.ChatID, "error", err)
		return
	}
	if assigned {
		_ = h.timers.Disarm(ctx, sess.ChatID)
		_ = h.sessions.Delete(ctx, sess.ChatID)
		if err := slot.Release(ctx, sess.ChatID); err != nil {
			h.logger.Warn("slot release failed", "chat_id", sess.ChatID, "error", err)
		}
		h.send(ctx, sess.ChatID, msgAlreadyAssigned)
		return
	}

	claimed, err := h.claimer.Claim(ctx, route, sess.DriverID)
	if err != nil {
		h.logger.Warn("claim failed", "chat_id", sess.ChatID, "route", route.ID, "error", err)
		return
	}

	if !claimed {
		// Raced. Refresh the snapshot so the taken route drops out, and
		// re-serve the menu within a fresh response window.
		h.send(ctx, sess.ChatID, msgRouteTaken)
		h.enterChoosingRoute(ctx, sess)
		return
	}

	_ = h.timers.Disarm(ctx, sess.ChatID)
	_ = h.sessions.Delete(ctx, sess.ChatID)
	if err := slot.Release(ctx, sess.ChatID); err != nil {
		h.logger.Warn("slot release failed", "chat_id", sess.ChatID, "error", err)
	}
	h.send(ctx, sess.ChatID, renderClaimed(route.ID))
}

func (h *SessionHandler) handleHelpMenu(ctx context.Context, sess *structs.Session, text string) {
	switch {
	case text == cmdEnd:
		h.endSession(ctx, sess.ChatID)

	case text == "voltar":
		sess.State = structs.StateMenu
		if err := h.sessions.Put(ctx, sess); err != nil {
			h.logger.Warn("session write failed", "chat_id", sess.ChatID, "error", err)
			return
		}
		h.send(ctx, sess.ChatID, msgMainMenu)

	default:
		if answer, ok := faqAnswers[text]; ok {
			h.send(ctx, sess.ChatID, answer)
		} else {
			h.send(ctx, sess.ChatID, msgInvalidOption)
		}
		h.send(ctx, sess.ChatID, msgHelpMenu)
	}
}

// ActivateChat serves the routes menu to a chat that just won the slot
// (from a release or the sweeper). A chat whose session aged out while
// waiting forfeits the slot to the next waiter.
func (h *SessionHandler) ActivateChat(ctx context.Context, chatID string) {
	mu := h.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	sess, ok, err := h.sessions.Get(ctx, chatID)
	if err != nil {
		h.logger.Warn("activation read failed", "chat_id", chatID, "error", err)
		return
	}
	if !ok || !sess.Identified() {
		h.logger.Info("activated chat has no usable session, passing the slot on", "chat_id", chatID)
		if err := h.slots[groupOrGeneral(sess)].Release(ctx, chatID); err != nil {
			h.logger.Warn("slot release failed", "chat_id", chatID, "error", err)
		}
		return
	}
	h.enterChoosingRoute(ctx, sess)
}

// groupOrGeneral tolerates ghost activations where the session vanished.
func groupOrGeneral(sess *structs.Session) structs.Group {
	if sess != nil && sess.Group != "" {
		return sess.Group
	}
	return structs.GroupGeneral
}

// HandleTimeout closes a session whose slot holder never responded.
// Delayed duplicate invocations collapse into one thanks to the owner
// guard on Release and the idempotent deletes.
func (h *SessionHandler) HandleTimeout(ctx context.Context, chatID string, group structs.Group) {
	mu := h.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	metrics.IncrCounter([]string{"despacho", "session", "timeout"}, 1)

	if err := h.slots[group].Release(ctx, chatID); err != nil {
		h.logger.Warn("timeout release failed", "chat_id", chatID, "error", err)
	}
	_ = h.timers.Disarm(ctx, chatID)

	_, existed, err := h.sessions.Get(ctx, chatID)
	if err != nil {
		h.logger.Warn("timeout session read failed", "chat_id", chatID, "error", err)
	}
	_ = h.sessions.Delete(ctx, chatID)

	if existed {
		h.events.Append(ctx, "timeout", "chat", chatID, "group", string(group))
		h.send(ctx, chatID, msgInactivityClose)
	}
}

// endSession is the shared "encerrar" terminal transition for states
// that hold no slot.
func (h *SessionHandler) endSession(ctx context.Context, chatID string) {
	_ = h.sessions.Delete(ctx, chatID)
	h.events.Append(ctx, "session_close", "chat", chatID, "reason", "user")
	h.send(ctx, chatID, msgSessionClosed)
}

// send delivers best effort; a failed send never blocks a transition.
func (h *SessionHandler) send(ctx context.Context, chatID, text string) {
	if err := h.sender.Send(ctx, chatID, text); err != nil {
		metrics.IncrCounter([]string{"despacho", "send", "failed"}, 1)
		h.logger.Warn("chat send failed", "chat_id", chatID, "error", err)
	}
}
