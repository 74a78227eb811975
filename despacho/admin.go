// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/kv"
)

// syncLockTTL bounds how long the global sync gate can stay closed if
// the ETL crashes without clearing it.
const syncLockTTL = 30 * time.Minute

// SyncFunc runs the external ETL. The core only gates traffic while it
// runs; the import itself lives outside this module.
type SyncFunc func(ctx context.Context, kind structs.SyncKind) error

// Admin implements the operator chat commands: the password-gated sync
// handshake and the daily log dump.
type Admin struct {
	store    *kv.Store
	sessions *SessionStore
	sender   Sender
	events   *EventLog
	password string
	syncFn   SyncFunc
	logger   hclog.Logger
}

func NewAdmin(store *kv.Store, sessions *SessionStore, sender Sender, events *EventLog,
	password string, syncFn SyncFunc, logger hclog.Logger) *Admin {

	if syncFn == nil {
		syncFn = func(context.Context, structs.SyncKind) error { return nil }
	}
	return &Admin{
		store:    store,
		sessions: sessions,
		sender:   sender,
		events:   events,
		password: password,
		syncFn:   syncFn,
		logger:   logger.Named("admin"),
	}
}

// SyncInProgress reports whether the global sync gate is closed.
func (a *Admin) SyncInProgress(ctx context.Context) bool {
	_, ok, err := a.store.Get(ctx, syncLockKey)
	if err != nil {
		a.logger.Warn("sync flag read failed", "error", err)
		return false
	}
	return ok
}

// BeginSync starts the password handshake. The session parks in
// AWAITING_SYNC_PASSWORD and remembers where to return to.
func (a *Admin) BeginSync(ctx context.Context, chatID string, kind structs.SyncKind) {
	sess, ok, err := a.sessions.Get(ctx, chatID)
	if err != nil {
		a.logger.Warn("session read failed", "chat_id", chatID, "error", err)
		return
	}
	if !ok {
		sess = &structs.Session{ChatID: chatID, State: structs.StateWaitingID}
	}
	if sess.State != structs.StateAwaitingSyncPassword {
		sess.PrevState = sess.State
	}
	sess.State = structs.StateAwaitingSyncPassword
	sess.SyncKind = kind
	if err := a.sessions.Put(ctx, sess); err != nil {
		a.logger.Warn("session write failed", "chat_id", chatID, "error", err)
		return
	}
	a.sendTo(ctx, chatID, msgSyncPassword)
}

// CheckPassword consumes the handshake's next message. Either way the
// session returns to the state the command interrupted.
func (a *Admin) CheckPassword(ctx context.Context, sess *structs.Session, text string) {
	kind := sess.SyncKind
	sess.State = sess.PrevState
	sess.PrevState = ""
	sess.SyncKind = ""
	if sess.State == "" {
		sess.State = structs.StateWaitingID
	}
	if err := a.sessions.Put(ctx, sess); err != nil {
		a.logger.Warn("session write failed", "chat_id", sess.ChatID, "error", err)
		return
	}

	if text != a.password {
		a.events.Append(ctx, "sync_denied", "chat", sess.ChatID)
		a.sendTo(ctx, sess.ChatID, msgSyncBadPassword)
		return
	}

	ok, err := a.store.SetNX(ctx, syncLockKey, string(kind), syncLockTTL)
	if err != nil {
		a.logger.Warn("sync flag write failed", "error", err)
		return
	}
	if !ok {
		a.sendTo(ctx, sess.ChatID, msgSyncWait)
		return
	}

	a.events.Append(ctx, "sync_start", "chat", sess.ChatID, "kind", string(kind))
	a.sendTo(ctx, sess.ChatID, msgSyncStarted)

	go a.runSync(sess.ChatID, kind)
}

func (a *Admin) runSync(chatID string, kind structs.SyncKind) {
	ctx, cancel := context.WithTimeout(context.Background(), syncLockTTL)
	defer cancel()

	err := a.syncFn(ctx, kind)
	if err != nil {
		a.logger.Error("sync failed", "kind", string(kind), "error", err)
		a.events.Append(ctx, "sync_failed", "kind", string(kind))
	} else {
		a.events.Append(ctx, "sync_done", "kind", string(kind))
	}

	if err := a.store.Del(ctx, syncLockKey); err != nil {
		a.logger.Warn("sync flag clear failed", "error", err)
	}
	if err == nil {
		a.sendTo(ctx, chatID, "Sincronização concluída.")
	} else {
		a.sendTo(ctx, chatID, "Sincronização falhou, verifique os logs.")
	}
}

// DumpLog sends today's event log to the operator, chunked so each
// outbound message stays under the transport's size limit.
func (a *Admin) DumpLog(ctx context.Context, chatID string) {
	lines, err := a.events.Today(ctx)
	if err != nil {
		a.logger.Warn("event log read failed", "error", err)
		return
	}
	if len(lines) == 0 {
		a.sendTo(ctx, chatID, msgEmptyLog)
		return
	}
	for _, chunk := range ChunkLines(lines, logChunkSize) {
		a.sendTo(ctx, chatID, chunk)
	}
}

func (a *Admin) sendTo(ctx context.Context, chatID, text string) {
	if err := a.sender.Send(ctx, chatID, text); err != nil {
		a.logger.Warn("chat send failed", "chat_id", chatID, "error", err)
	}
}
