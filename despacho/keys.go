// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"time"

	"github.com/hashicorp/despacho/despacho/structs"
)

// Persisted key layout. Every piece of cross-process state lives in the
// KV store under one of these namespaces; TTLs make all of it
// self-healing after a crash.

func sessionKey(chatID string) string { return "session:" + chatID }

func queueListKey(g structs.Group) string   { return "queue:list:" + string(g) }
func queueActiveKey(g structs.Group) string { return "queue:active:" + string(g) }
func queueMetaKey(g structs.Group) string   { return "queue:active:meta:" + string(g) }
func queueLockKey(g structs.Group) string   { return "queue:lock:" + string(g) }
func reclaimLockKey(g structs.Group) string { return "queue:reclaim:lock:" + string(g) }
func memberKey(chatID string) string        { return "queue:member:" + chatID }
func emptySinceKey(g structs.Group) string  { return "queue:empty_since:" + string(g) }

func timerKey(chatID string) string { return "route:timeout:" + chatID }

func blocklistCacheKey(driverID string) string { return "blocklist:cache:driver:" + driverID }

const syncLockKey = "sync:lock"

func eventLogKey(day time.Time) string { return "log:" + day.Format("2006-01-02") }
