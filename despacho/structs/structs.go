// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the shared value types for the despacho server:
// driver sessions, drivers, routes and the queue grouping rules derived
// from vehicle types.
package structs

import (
	"errors"
	"strings"
	"time"
)

// SessionState enumerates the conversational states a chat can be in.
type SessionState string

const (
	StateWaitingID            SessionState = "WAITING_ID"
	StateMenu                 SessionState = "MENU"
	StateHelpMenu             SessionState = "HELP_MENU"
	StateChoosingRoute        SessionState = "CHOOSING_ROUTE"
	StateAwaitingSyncPassword SessionState = "AWAITING_SYNC_PASSWORD"
)

// Group partitions drivers and queues by vehicle class. Motorcycles get
// their own queue; every other vehicle shares the general queue.
type Group string

const (
	GroupMoto    Group = "moto"
	GroupGeneral Group = "general"
)

// Groups lists all queue groups. Order is not significant.
var Groups = []Group{GroupMoto, GroupGeneral}

const (
	vehicleMoto    = "moto"
	vehicleFiorino = "fiorino"
)

// GroupForVehicle derives the queue group from a driver's vehicle type.
func GroupForVehicle(vehicleType string) Group {
	if strings.EqualFold(vehicleType, vehicleMoto) {
		return GroupMoto
	}
	return GroupGeneral
}

// IsFiorino reports whether the vehicle type gets the fiorino dispatch
// bias in queue ordering.
func IsFiorino(vehicleType string) bool {
	return strings.EqualFold(vehicleType, vehicleFiorino)
}

// IsMotoOnly reports whether a driver may only take moto routes.
func IsMotoOnly(vehicleType string) bool {
	return strings.EqualFold(vehicleType, vehicleMoto)
}

// SyncKind selects which tables an admin sync refreshes.
type SyncKind string

const (
	SyncAll     SyncKind = "all"
	SyncDrivers SyncKind = "drivers"
)

// RouteRef is the snapshot of a route stored inside a session while the
// driver is choosing. It is a copy of the display fields, not a live
// reference; the claim re-checks the route table.
type RouteRef struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	VehicleType string `json:"vehicle_type"`
}

// Session is the conversational context for a single chat. It lives in
// the KV store under session:<chatID> with a soft idle TTL.
type Session struct {
	ChatID      string       `json:"chat_id"`
	State       SessionState `json:"state"`
	InQueue     bool         `json:"in_queue,omitempty"`
	DriverID    string       `json:"driver_id,omitempty"`
	DriverName  string       `json:"driver_name,omitempty"`
	VehicleType string       `json:"vehicle_type,omitempty"`
	Priority    int          `json:"priority,omitempty"`
	Group       Group        `json:"group,omitempty"`

	// AvailableRoutes is only populated in CHOOSING_ROUTE.
	AvailableRoutes []RouteRef `json:"available_routes,omitempty"`

	// PrevState and SyncKind carry the admin password handshake.
	PrevState SessionState `json:"prev_state,omitempty"`
	SyncKind  SyncKind     `json:"sync_kind,omitempty"`
}

// Identified reports whether the session has confirmed a driver ID.
func (s *Session) Identified() bool {
	return s.DriverID != ""
}

// Driver is a registry record, read-only to the core. The sync ETL owns
// the table.
type Driver struct {
	ID          string `gorm:"column:id;primaryKey"`
	Name        string `gorm:"column:name"`
	VehicleType string `gorm:"column:vehicle_type"`
	Priority    int    `gorm:"column:priority_score"`
}

func (Driver) TableName() string { return "drivers" }

// RouteStatus is the lifecycle state of a route.
type RouteStatus string

const (
	RouteAvailable RouteStatus = "AVAILABLE"
	RouteAssigned  RouteStatus = "ASSIGNED"
	RouteBlocked   RouteStatus = "BLOCKED"
)

// Route is shared between the core and the sync ETL. Only the
// {DriverID, Status, AssignedAt} triple is mutated here, and only via
// the conditional claim.
type Route struct {
	ID          string      `gorm:"column:id;primaryKey"`
	VehicleType string      `gorm:"column:vehicle_type"`
	Description string      `gorm:"column:description"`
	DriverID    *string     `gorm:"column:driver_id"`
	Status      RouteStatus `gorm:"column:status"`
	AssignedAt  *time.Time  `gorm:"column:assigned_at"`
}

func (Route) TableName() string { return "routes" }

// Ref returns the session snapshot for the route.
func (r *Route) Ref() RouteRef {
	return RouteRef{ID: r.ID, Description: r.Description, VehicleType: r.VehicleType}
}

// BlocklistStatus marks a blocklist entry active or not.
type BlocklistStatus string

const (
	BlocklistActive   BlocklistStatus = "ACTIVE"
	BlocklistInactive BlocklistStatus = "INACTIVE"
)

// BlocklistEntry deprioritizes a driver behind every non-blocklisted
// driver until the deferral window elapses.
type BlocklistEntry struct {
	DriverID string          `gorm:"column:driver_id;primaryKey"`
	Status   BlocklistStatus `gorm:"column:status"`
}

func (BlocklistEntry) TableName() string { return "blocklist" }

// Assignment is the assignment-overview row written back on each claim.
// It is a best-effort export; the routes table stays authoritative.
type Assignment struct {
	RouteID    string    `gorm:"column:route_id;primaryKey"`
	DriverID   string    `gorm:"column:driver_id"`
	AssignedAt time.Time `gorm:"column:assigned_at"`
}

func (Assignment) TableName() string { return "assignment_overview" }

// ErrUnknownDriver is returned when a driver ID lookup misses.
var ErrUnknownDriver = errors.New("driver not found")
