// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package despacho implements the route dispatch core: per-group
// fair-priority queues gated by a single active slot, a per-driver
// session state machine with response timeouts, and an optimistic
// conditional route claim.
package despacho

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/despacho/despacho/state"
	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/kv"
)

// Server is the composition root. All shared mutable state lives in the
// KV store and the database; the server only owns lifecycles: the
// sweepers, the timer wheel and the HTTP listener.
type Server struct {
	config *Config
	logger hclog.Logger

	store    *kv.Store
	locks    *kv.Lock
	db       *state.Store
	sessions *SessionStore
	events   *EventLog

	queues map[structs.Group]*Queue
	slots  map[structs.Group]*SlotController
	timers *TimerWheel

	handler  *SessionHandler
	admin    *Admin
	sweepers []*Sweeper

	httpServer *http.Server

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// ServerDeps are the externally supplied collaborators.
type ServerDeps struct {
	// Sender delivers outbound chat messages.
	Sender Sender

	// SyncFn runs the external ETL during an admin sync. Optional.
	SyncFn SyncFunc
}

// NewServer wires the full dispatch core. It connects to redis and the
// database but does not begin serving; call Run.
func NewServer(config *Config, deps ServerDeps, logger hclog.Logger) (*Server, error) {
	store, err := kv.Open(config.RedisURL, logger)
	if err != nil {
		return nil, err
	}
	db, err := state.Open(config.DatabaseURL, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Server{
		config:     config,
		logger:     logger,
		store:      store,
		db:         db,
		shutdownCh: make(chan struct{}),
	}
	s.wire(deps)
	return s, nil
}

// wire assembles the internal components around the opened stores.
func (s *Server) wire(deps ServerDeps) {
	s.locks = kv.NewLock(s.store, s.logger)
	s.sessions = NewSessionStore(s.store, s.config.StateTTL)
	s.events = NewEventLog(s.store, s.logger)

	s.queues = make(map[structs.Group]*Queue, len(structs.Groups))
	s.slots = make(map[structs.Group]*SlotController, len(structs.Groups))
	for _, g := range structs.Groups {
		s.queues[g] = NewQueue(g, s.store, s.locks, s.sessions, s.db,
			s.config.BlocklistWait, s.config.StateTTL, s.logger)
		s.slots[g] = NewSlotController(g, s.store, s.locks, s.queues[g],
			s.config.QueueTTL, s.logger)
	}

	s.timers = NewTimerWheel(s.store, s.sessions, s.config.QueueTTL, s.logger)
	claimer := NewClaimer(s.db, s.db, s.events, s.logger)
	s.admin = NewAdmin(s.store, s.sessions, deps.Sender, s.events,
		s.config.SyncPassword, deps.SyncFn, s.logger)
	s.handler = NewSessionHandler(s.sessions, s.store, s.queues, s.slots,
		s.timers, claimer, s.db, deps.Sender, s.events, s.admin, s.logger)

	// Notifications run detached so no chat lock is ever held while
	// taking another chat's lock.
	notify := func(ctx context.Context, chatID string) {
		go s.handler.ActivateChat(context.Background(), chatID)
	}
	for _, g := range structs.Groups {
		s.slots[g].SetNotify(notify)
		s.slots[g].SetOnExpire(s.handler.HandleTimeout)
		s.sweepers = append(s.sweepers, NewSweeper(g, s.slots[g], s.config.SweepInterval, s.logger))
	}
	s.timers.SetHolderFunc(func(ctx context.Context, group structs.Group) (string, error) {
		return s.slots[group].Holder(ctx)
	})
	s.timers.SetOnTimeout(s.handler.HandleTimeout)
}

// Handler returns the session entry point for the webhook adapter.
func (s *Server) Handler() *SessionHandler { return s.handler }

// Health probes the shared stores.
func (s *Server) Health(ctx context.Context) error {
	var mErr *multierror.Error
	if err := s.store.Ping(ctx); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if err := s.db.Ping(ctx); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	return mErr.ErrorOrNil()
}

// Run starts the sweepers and serves HTTP until Shutdown. The handler
// argument is the webhook router built by the telegram package.
func (s *Server) Run(httpHandler http.Handler) error {
	for _, sw := range s.sweepers {
		sw.Start()
	}

	s.httpServer = &http.Server{
		Addr:    s.config.BindAddr,
		Handler: httpHandler,
	}
	s.logger.Info("despacho server listening", "addr", s.config.BindAddr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops serving and tears the components down. In-flight
// timers are abandoned; the KV TTLs guarantee reconvergence after the
// next boot.
func (s *Server) Shutdown() error {
	var mErr *multierror.Error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				mErr = multierror.Append(mErr, err)
			}
		}
		for _, sw := range s.sweepers {
			sw.Stop()
		}
		s.timers.Stop()
		if err := s.store.Close(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
		s.logger.Info("despacho server stopped")
	})
	return mErr.ErrorOrNil()
}
