// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/despacho/ci"
	"github.com/hashicorp/despacho/despacho/structs"
)

func TestQueue_EnqueueOrdering(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t)
	ctx := context.Background()
	q := h.queues[structs.GroupGeneral]

	h.seedSession("c1", "1", "Ana", "Passeio", 50, structs.StateMenu)
	h.seedSession("c2", "2", "Bia", "Passeio", 80, structs.StateMenu)
	h.seedSession("c3", "3", "Caio", "Passeio", 80, structs.StateMenu)

	pos, err := q.Enqueue(ctx, "c1")
	must.NoError(t, err)
	must.Eq(t, 1, pos)

	// Higher score jumps ahead.
	pos, err = q.Enqueue(ctx, "c2")
	must.NoError(t, err)
	must.Eq(t, 1, pos)

	// Equal score ranks behind the earlier arrival.
	pos, err = q.Enqueue(ctx, "c3")
	must.NoError(t, err)
	must.Eq(t, 2, pos)

	must.Eq(t, []string{"c2", "c3", "c1"}, h.queueList(structs.GroupGeneral))
}

// TestQueue_FiorinoBias pins the domain policy: a low-score fiorino
// outranks a high-score non-fiorino.
func TestQueue_FiorinoBias(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t)
	ctx := context.Background()
	q := h.queues[structs.GroupGeneral]

	h.seedSession("c1", "1", "Ana", "Passeio", 100, structs.StateMenu)
	h.seedSession("c2", "2", "Bia", "Fiorino", 5, structs.StateMenu)

	_, err := q.Enqueue(ctx, "c1")
	must.NoError(t, err)
	pos, err := q.Enqueue(ctx, "c2")
	must.NoError(t, err)
	must.Eq(t, 1, pos)

	must.Eq(t, []string{"c2", "c1"}, h.queueList(structs.GroupGeneral))
}

func TestQueue_EnqueueIdempotent(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t)
	ctx := context.Background()
	q := h.queues[structs.GroupGeneral]

	h.seedSession("c1", "1", "Ana", "Passeio", 50, structs.StateMenu)
	h.seedSession("c2", "2", "Bia", "Passeio", 90, structs.StateMenu)

	_, err := q.Enqueue(ctx, "c1")
	must.NoError(t, err)
	_, err = q.Enqueue(ctx, "c2")
	must.NoError(t, err)

	// Re-enqueueing yields the same position and no duplicate entry.
	pos1, err := q.Enqueue(ctx, "c1")
	must.NoError(t, err)
	pos2, err := q.Enqueue(ctx, "c1")
	must.NoError(t, err)
	must.Eq(t, pos1, pos2)
	must.Eq(t, []string{"c2", "c1"}, h.queueList(structs.GroupGeneral))
}

func TestQueue_PickNext(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t)
	ctx := context.Background()
	q := h.queues[structs.GroupGeneral]

	next, err := q.PickNext(ctx)
	must.NoError(t, err)
	must.Eq(t, "", next)

	h.seedSession("c1", "1", "Ana", "Passeio", 50, structs.StateMenu)
	h.seedSession("c2", "2", "Bia", "Passeio", 90, structs.StateMenu)
	_, err = q.Enqueue(ctx, "c1")
	must.NoError(t, err)
	_, err = q.Enqueue(ctx, "c2")
	must.NoError(t, err)

	next, err = q.PickNext(ctx)
	must.NoError(t, err)
	must.Eq(t, "c2", next)
	must.Eq(t, []string{"c1"}, h.queueList(structs.GroupGeneral))

	next, err = q.PickNext(ctx)
	must.NoError(t, err)
	must.Eq(t, "c1", next)

	next, err = q.PickNext(ctx)
	must.NoError(t, err)
	must.Eq(t, "", next)
}

func TestQueue_BlocklistDeferral(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t)
	ctx := context.Background()
	q := h.queues[structs.GroupGeneral]

	h.seedSession("c1", "1", "Ana", "Passeio", 50, structs.StateMenu)
	h.seedBlocklist("1")
	_, err := q.Enqueue(ctx, "c1")
	require.NoError(t, err)

	// First pick stamps the deferral and serves nobody.
	next, err := q.PickNext(ctx)
	require.NoError(t, err)
	require.Empty(t, next)

	// Still inside the window.
	h.advance(119 * time.Second)
	next, err = q.PickNext(ctx)
	require.NoError(t, err)
	require.Empty(t, next)

	// Window elapsed: the blocklisted head is finally served.
	h.advance(2 * time.Second)
	next, err = q.PickNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "c1", next)
}

func TestQueue_BlocklistYieldsToClear(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t)
	ctx := context.Background()
	q := h.queues[structs.GroupGeneral]

	h.seedSession("c1", "1", "Ana", "Passeio", 99, structs.StateMenu)
	h.seedBlocklist("1")
	h.seedSession("c2", "2", "Bia", "Passeio", 1, structs.StateMenu)

	_, err := q.Enqueue(ctx, "c1")
	must.NoError(t, err)
	_, err = q.Enqueue(ctx, "c2")
	must.NoError(t, err)

	// The non-blocklisted driver wins despite the lower score, and the
	// deferral stamp is cleared.
	next, err := q.PickNext(ctx)
	must.NoError(t, err)
	must.Eq(t, "c2", next)

	_, stamped, err := h.store.Get(ctx, emptySinceKey(structs.GroupGeneral))
	must.NoError(t, err)
	must.False(t, stamped)
}

// TestQueue_BlocklistDeferralNotReset pins the intended semantics: the
// stamp is group-wide and survives across consecutive blocklisted
// heads.
func TestQueue_BlocklistDeferralNotReset(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t)
	ctx := context.Background()
	q := h.queues[structs.GroupGeneral]

	h.seedSession("c1", "1", "Ana", "Passeio", 90, structs.StateMenu)
	h.seedSession("c2", "2", "Bia", "Passeio", 10, structs.StateMenu)
	h.seedBlocklist("1")
	h.seedBlocklist("2")

	_, err := q.Enqueue(ctx, "c1")
	must.NoError(t, err)
	_, err = q.Enqueue(ctx, "c2")
	must.NoError(t, err)

	next, err := q.PickNext(ctx)
	must.NoError(t, err)
	must.Eq(t, "", next)

	h.advance(121 * time.Second)
	next, err = q.PickNext(ctx)
	must.NoError(t, err)
	must.Eq(t, "c1", next)

	// The second blocklisted head waits a fresh window; the stamp was
	// consumed, so the very next pick re-stamps instead of serving.
	next, err = q.PickNext(ctx)
	must.NoError(t, err)
	must.Eq(t, "", next)

	h.advance(121 * time.Second)
	next, err = q.PickNext(ctx)
	must.NoError(t, err)
	must.Eq(t, "c2", next)
}

func TestQueue_Remove(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t)
	ctx := context.Background()
	q := h.queues[structs.GroupGeneral]

	h.seedSession("c1", "1", "Ana", "Passeio", 50, structs.StateMenu)
	_, err := q.Enqueue(ctx, "c1")
	must.NoError(t, err)

	must.NoError(t, q.Remove(ctx, "c1"))
	must.SliceEmpty(t, h.queueList(structs.GroupGeneral))

	// Removing an absent chat is a no-op.
	must.NoError(t, q.Remove(ctx, "c1"))

	pos, err := q.Position(ctx, "c1")
	must.NoError(t, err)
	must.Eq(t, 0, pos)
}
