// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/despacho/despacho/structs"
)

// RouteRepo is the slice of the state store the claimer depends on.
type RouteRepo interface {
	AssignIfAvailable(ctx context.Context, routeID, driverID string) (bool, error)
	DriverAlreadyAssigned(ctx context.Context, driverID string) (bool, error)
}

// ExportSink receives best-effort writebacks of committed claims.
type ExportSink interface {
	SetAssigned(ctx context.Context, routeID, driverID string) error
}

// Claimer commits route claims. The database predicate-update is the
// only authority; the export failing never reverses a claim.
type Claimer struct {
	routes RouteRepo
	export ExportSink
	events *EventLog
	logger hclog.Logger
}

func NewClaimer(routes RouteRepo, export ExportSink, events *EventLog, logger hclog.Logger) *Claimer {
	return &Claimer{
		routes: routes,
		export: export,
		events: events,
		logger: logger.Named("claim"),
	}
}

// Claim attempts the conditional AVAILABLE→ASSIGNED transition. A false
// return means the route was raced away; the caller re-renders and the
// session flow state is untouched.
func (c *Claimer) Claim(ctx context.Context, route structs.RouteRef, driverID string) (bool, error) {
	defer metrics.MeasureSince([]string{"despacho", "claim", "attempt"}, time.Now())

	ok, err := c.routes.AssignIfAvailable(ctx, route.ID, driverID)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.IncrCounter([]string{"despacho", "claim", "raced"}, 1)
		c.events.Append(ctx, "claim_raced", "route", route.ID, "driver", driverID)
		return false, nil
	}

	metrics.IncrCounter([]string{"despacho", "claim", "committed"}, 1)
	c.events.Append(ctx, "claim", "route", route.ID, "driver", driverID)

	if c.export != nil {
		if err := c.export.SetAssigned(ctx, route.ID, driverID); err != nil {
			// The database is authoritative; log and move on.
			c.logger.Warn("assignment export failed", "route", route.ID, "driver", driverID, "error", err)
			c.events.Append(ctx, "export_failed", "route", route.ID)
		}
	}
	return true, nil
}

// AlreadyAssigned reports whether the driver already holds a route.
// Consulted before queueing and again on the claim edge.
func (c *Claimer) AlreadyAssigned(ctx context.Context, driverID string) (bool, error) {
	return c.routes.DriverAlreadyAssigned(ctx, driverID)
}
