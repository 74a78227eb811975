// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/despacho/kv"
)

const (
	// eventLogCap is how many lines each daily log retains.
	eventLogCap = 500

	// eventLogTTL ages out old daily logs on their own.
	eventLogTTL = 72 * time.Hour

	// logChunkSize is the maximum characters per outbound message when
	// dumping the log to an operator chat.
	logChunkSize = 3500
)

// EventLog is the append-only per-day ring of operational events. It
// feeds the operator dashboard and /logdiario; it is not authoritative
// for recovery.
type EventLog struct {
	store  *kv.Store
	logger hclog.Logger
	now    func() time.Time
}

func NewEventLog(store *kv.Store, logger hclog.Logger) *EventLog {
	return &EventLog{store: store, logger: logger.Named("eventlog"), now: time.Now}
}

// Append records one event line, formatted as
// "[HH:MM:SS] action=X k=v ...". kvs are alternating key/value pairs.
// Logging is best effort; failures are logged and swallowed so no state
// transition ever depends on the event log.
func (e *EventLog) Append(ctx context.Context, action string, kvs ...string) {
	now := e.now()
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] action=%s", now.Format("15:04:05"), action)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %s=%s", kvs[i], kvs[i+1])
	}

	key := eventLogKey(now)
	if err := e.store.RPush(ctx, key, b.String()); err != nil {
		e.logger.Warn("event append failed", "action", action, "error", err)
		return
	}
	if err := e.store.LTrim(ctx, key, -eventLogCap, -1); err != nil {
		e.logger.Warn("event trim failed", "error", err)
	}
	_ = e.store.Expire(ctx, key, eventLogTTL)
}

// Today returns the current day's lines, oldest first.
func (e *EventLog) Today(ctx context.Context) ([]string, error) {
	return e.store.LRange(ctx, eventLogKey(e.now()), 0, -1)
}

// ChunkLines joins lines into newline-separated chunks of at most
// limit characters each, never splitting a line.
func ChunkLines(lines []string, limit int) []string {
	var chunks []string
	var b strings.Builder
	for _, line := range lines {
		if b.Len() > 0 && b.Len()+1+len(line) > limit {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
