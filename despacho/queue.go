// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/kv"
)

// Blocklist answers whether a driver is administratively deprioritized.
// Implemented by state.Store with a short-TTL cache in front.
type Blocklist interface {
	IsBlocklisted(ctx context.Context, driverID string) (bool, error)
}

// Queue is the fair-priority waiting list for one group. The list
// itself lives in the KV store; the engine re-ranks it on every
// mutation so that the head is always the next driver to serve.
//
// Ordering is total and stable: fiorino vehicles first, then higher
// priority score, then earlier arrival. Blocklisted members are the
// business of PickNext, not of the sort.
type Queue struct {
	group     structs.Group
	store     *kv.Store
	locks     *kv.Lock
	sessions  *SessionStore
	blocklist Blocklist

	// deferral is how long a queue holding only blocklisted drivers
	// must age before its head is served.
	deferral  time.Duration
	memberTTL time.Duration

	logger hclog.Logger
	now    func() time.Time
}

func NewQueue(group structs.Group, store *kv.Store, locks *kv.Lock, sessions *SessionStore,
	blocklist Blocklist, deferral, memberTTL time.Duration, logger hclog.Logger) *Queue {

	return &Queue{
		group:     group,
		store:     store,
		locks:     locks,
		sessions:  sessions,
		blocklist: blocklist,
		deferral:  deferral,
		memberTTL: memberTTL,
		logger:    logger.Named("queue").With("group", string(group)),
		now:       time.Now,
	}
}

// queueMember is the resolved ranking tuple for one waiting chat.
type queueMember struct {
	chatID  string
	fiorino bool
	score   int
	index   int
	blocked bool
}

// memberLess is the total order on queue members.
func memberLess(a, b *queueMember) bool {
	if a.fiorino != b.fiorino {
		return a.fiorino
	}
	if a.score != b.score {
		return a.score > b.score
	}
	return a.index < b.index
}

// Enqueue inserts or re-ranks the chat and returns its 1-based
// position. Enqueueing a chat that is already waiting is idempotent
// modulo re-ranking against members that arrived in between.
func (q *Queue) Enqueue(ctx context.Context, chatID string) (int, error) {
	defer metrics.MeasureSince([]string{"despacho", "queue", "enqueue"}, time.Now())

	position := 0
	err := q.locks.WithLock(ctx, queueLockKey(q.group), func() error {
		list, err := q.store.LRange(ctx, queueListKey(q.group), 0, -1)
		if err != nil {
			return err
		}

		// Drop any existing occurrence of the candidate, then append it
		// so it carries the latest arrival index.
		filtered := list[:0]
		for _, id := range list {
			if id != chatID {
				filtered = append(filtered, id)
			}
		}
		filtered = append(filtered, chatID)

		members := q.resolveMembers(ctx, filtered)
		sort.SliceStable(members, func(i, j int) bool {
			return memberLess(members[i], members[j])
		})

		ranked := make([]string, len(members))
		for i, m := range members {
			ranked[i] = m.chatID
			if m.chatID == chatID {
				position = i + 1
			}
		}

		if err := q.store.Del(ctx, queueListKey(q.group)); err != nil {
			return err
		}
		if err := q.store.RPush(ctx, queueListKey(q.group), ranked...); err != nil {
			return err
		}
		return q.store.SetTTL(ctx, memberKey(chatID), string(q.group), q.memberTTL)
	})
	if err != nil {
		return 0, err
	}

	q.logger.Debug("enqueued", "chat_id", chatID, "position", position)
	return position, nil
}

// PickNext pops the next chat to serve, or returns "" when nobody is
// eligible. Callers must hold the group lock.
//
// Non-blocklisted members are always preferred. When only blocklisted
// members remain, a group-wide deferral stamp is aged: the head is only
// served once the stamp is older than the deferral window. The stamp is
// deliberately not reset between consecutive blocklisted heads.
func (q *Queue) PickNext(ctx context.Context) (string, error) {
	list, err := q.store.LRange(ctx, queueListKey(q.group), 0, -1)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		_ = q.store.Del(ctx, emptySinceKey(q.group))
		return "", nil
	}

	members := q.resolveMembers(ctx, list)
	var clear, blocked []*queueMember
	for _, m := range members {
		if m.blocked {
			blocked = append(blocked, m)
		} else {
			clear = append(clear, m)
		}
	}
	sort.SliceStable(clear, func(i, j int) bool { return memberLess(clear[i], clear[j]) })
	sort.SliceStable(blocked, func(i, j int) bool { return memberLess(blocked[i], blocked[j]) })

	if len(clear) > 0 {
		_ = q.store.Del(ctx, emptySinceKey(q.group))
		return q.pop(ctx, clear[0].chatID)
	}

	// Only blocklisted drivers remain; age the deferral stamp.
	raw, ok, err := q.store.Get(ctx, emptySinceKey(q.group))
	if err != nil {
		return "", err
	}
	if !ok {
		stamp := strconv.FormatInt(q.now().Unix(), 10)
		if err := q.store.SetTTL(ctx, emptySinceKey(q.group), stamp, 0); err != nil {
			return "", err
		}
		return "", nil
	}

	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || q.now().Sub(time.Unix(since, 0)) < q.deferral {
		return "", nil
	}

	if err := q.store.Del(ctx, emptySinceKey(q.group)); err != nil {
		return "", err
	}
	metrics.IncrCounter([]string{"despacho", "queue", "blocklist_served"}, 1)
	return q.pop(ctx, blocked[0].chatID)
}

// pop removes the chat from the list and clears its membership marker.
func (q *Queue) pop(ctx context.Context, chatID string) (string, error) {
	if err := q.store.LRem(ctx, queueListKey(q.group), 0, chatID); err != nil {
		return "", err
	}
	_ = q.store.Del(ctx, memberKey(chatID))
	return chatID, nil
}

// Remove dequeues the chat by value. Removing an absent chat is a no-op.
func (q *Queue) Remove(ctx context.Context, chatID string) error {
	return q.locks.WithLock(ctx, queueLockKey(q.group), func() error {
		if err := q.store.LRem(ctx, queueListKey(q.group), 0, chatID); err != nil {
			return err
		}
		return q.store.Del(ctx, memberKey(chatID))
	})
}

// Position returns the 1-based position of the chat, or 0 if absent.
func (q *Queue) Position(ctx context.Context, chatID string) (int, error) {
	list, err := q.store.LRange(ctx, queueListKey(q.group), 0, -1)
	if err != nil {
		return 0, err
	}
	for i, id := range list {
		if id == chatID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// resolveMembers reads the ranking tuple for each waiting chat. A chat
// whose session vanished mid-wait still ranks (at zero score) so it can
// be popped and discarded by the activation path rather than wedging
// the list.
func (q *Queue) resolveMembers(ctx context.Context, list []string) []*queueMember {
	members := make([]*queueMember, 0, len(list))
	for i, id := range list {
		m := &queueMember{chatID: id, index: i}
		sess, ok, err := q.sessions.Get(ctx, id)
		if err == nil && ok {
			m.fiorino = structs.IsFiorino(sess.VehicleType)
			m.score = sess.Priority
			if sess.DriverID != "" {
				blocked, err := q.blocklist.IsBlocklisted(ctx, sess.DriverID)
				if err != nil {
					q.logger.Warn("blocklist lookup failed", "driver_id", sess.DriverID, "error", err)
				}
				m.blocked = blocked
			}
		}
		members = append(members, m)
	}
	return members
}
