// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state holds the SQL-backed repositories for drivers, routes,
// the blocklist and the assignment overview. The sync ETL owns the
// tables; the core only reads them, except for the conditional route
// claim and the best-effort overview writeback.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/kv"
)

// blocklistCacheTTL bounds how stale a cached blocklist verdict can be.
const blocklistCacheTTL = 60 * time.Second

// Store is the repository facade over the shared database.
type Store struct {
	db     *gorm.DB
	kv     *kv.Store
	logger hclog.Logger
}

// Open connects using the DATABASE_URL scheme to pick the driver:
// postgres:// selects postgres, anything else is treated as a sqlite
// DSN (the dev and test default).
func Open(databaseURL string, kvStore *kv.Store, logger hclog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		dialector = postgres.Open(databaseURL)
	} else {
		dialector = sqlite.Open(databaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}
	return &Store{db: db, kv: kvStore, logger: logger.Named("state")}, nil
}

// Migrate creates the tables. The production schema is owned by the
// sync ETL; this exists for dev databases and tests.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&structs.Driver{},
		&structs.Route{},
		&structs.BlocklistEntry{},
		&structs.Assignment{},
	)
}

// Seed helpers populate the tables the ETL owns in production. They
// exist for dev databases and tests, alongside Migrate.

func (s *Store) SeedDriver(d *structs.Driver) error { return s.db.Save(d).Error }

func (s *Store) SeedRoute(r *structs.Route) error { return s.db.Save(r).Error }

func (s *Store) SeedBlocklist(e *structs.BlocklistEntry) error { return s.db.Save(e).Error }

func (s *Store) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// FindDriver looks up a driver by ID. A non-numeric ID never hits the
// database.
func (s *Store) FindDriver(ctx context.Context, driverID string) (*structs.Driver, error) {
	if _, err := strconv.Atoi(driverID); err != nil {
		return nil, structs.ErrUnknownDriver
	}
	var driver structs.Driver
	err := s.db.WithContext(ctx).First(&driver, "id = ?", driverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, structs.ErrUnknownDriver
	}
	if err != nil {
		return nil, err
	}
	return &driver, nil
}

// ListAvailableForVehicle returns the claimable routes for a driver's
// vehicle type. Moto drivers only see moto routes; everyone else sees
// all available routes with non-moto routes first.
func (s *Store) ListAvailableForVehicle(ctx context.Context, vehicleType string) ([]structs.Route, error) {
	q := s.db.WithContext(ctx).Where("status = ?", structs.RouteAvailable)
	if structs.IsMotoOnly(vehicleType) {
		q = q.Where("LOWER(vehicle_type) = ?", "moto").Order("id")
	} else {
		q = q.Order("CASE WHEN LOWER(vehicle_type) = 'moto' THEN 1 ELSE 0 END, id")
	}

	var routes []structs.Route
	if err := q.Find(&routes).Error; err != nil {
		return nil, err
	}
	return routes, nil
}

// AssignIfAvailable is the atomic claim: a single conditional update
// that only succeeds while the route is AVAILABLE and unowned. Returns
// whether the row was claimed.
func (s *Store) AssignIfAvailable(ctx context.Context, routeID, driverID string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&structs.Route{}).
		Where("id = ? AND status = ? AND driver_id IS NULL", routeID, structs.RouteAvailable).
		Updates(map[string]interface{}{
			"driver_id":   driverID,
			"status":      structs.RouteAssigned,
			"assigned_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DriverAlreadyAssigned reports whether the driver holds a route, in
// either the route table or the assignment overview. Checked before
// entering the queue and again before each claim, since one human can
// drive multiple chats.
func (s *Store) DriverAlreadyAssigned(ctx context.Context, driverID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&structs.Route{}).
		Where("driver_id = ? AND status = ?", driverID, structs.RouteAssigned).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	err = s.db.WithContext(ctx).
		Model(&structs.Assignment{}).
		Where("driver_id = ?", driverID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetAssigned records the claim in the assignment overview. Best
// effort: the routes table stays authoritative.
func (s *Store) SetAssigned(ctx context.Context, routeID, driverID string) error {
	row := structs.Assignment{
		RouteID:    routeID,
		DriverID:   driverID,
		AssignedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// IsBlocklisted checks the blocklist with a short-TTL cache in front so
// queue re-ranking does not hammer the database.
func (s *Store) IsBlocklisted(ctx context.Context, driverID string) (bool, error) {
	if s.kv != nil {
		if cached, ok, err := s.kv.Get(ctx, blocklistCacheKey(driverID)); err == nil && ok {
			return cached == "true", nil
		}
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&structs.BlocklistEntry{}).
		Where("driver_id = ? AND status = ?", driverID, structs.BlocklistActive).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	blocked := count > 0

	if s.kv != nil {
		if err := s.kv.SetTTL(ctx, blocklistCacheKey(driverID), strconv.FormatBool(blocked), blocklistCacheTTL); err != nil {
			s.logger.Warn("blocklist cache write failed", "driver_id", driverID, "error", err)
		}
	}
	return blocked, nil
}

func blocklistCacheKey(driverID string) string {
	return "blocklist:cache:driver:" + driverID
}
