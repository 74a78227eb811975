// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/despacho/ci"
	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/helper/testlog"
	"github.com/hashicorp/despacho/kv"
)

func testStore(t *testing.T, kvStore *kv.Store) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	s, err := Open(dsn, kvStore, testlog.HCLogger(t))
	must.NoError(t, err)
	must.NoError(t, s.Migrate())
	return s
}

func TestStore_FindDriver(t *testing.T) {
	ci.Parallel(t)
	s := testStore(t, nil)
	ctx := context.Background()

	must.NoError(t, s.SeedDriver(&structs.Driver{
		ID: "10", Name: "Ana", VehicleType: "Passeio", Priority: 50,
	}))

	driver, err := s.FindDriver(ctx, "10")
	must.NoError(t, err)
	must.Eq(t, "Ana", driver.Name)
	must.Eq(t, 50, driver.Priority)

	_, err = s.FindDriver(ctx, "999")
	must.ErrorIs(t, err, structs.ErrUnknownDriver)

	// Non-numeric input never reaches the database.
	_, err = s.FindDriver(ctx, "abc")
	must.ErrorIs(t, err, structs.ErrUnknownDriver)
}

func TestStore_ListAvailableForVehicle(t *testing.T) {
	ci.Parallel(t)
	s := testStore(t, nil)
	ctx := context.Background()

	seed := []structs.Route{
		{ID: "R1", VehicleType: "Moto", Description: "Expresso", Status: structs.RouteAvailable},
		{ID: "R2", VehicleType: "Passeio", Description: "Centro", Status: structs.RouteAvailable},
		{ID: "R3", VehicleType: "Fiorino", Description: "Cargas", Status: structs.RouteAvailable},
		{ID: "R4", VehicleType: "Passeio", Description: "Tomada", Status: structs.RouteAssigned},
	}
	for i := range seed {
		must.NoError(t, s.SeedRoute(&seed[i]))
	}

	// Moto drivers only see moto routes.
	routes, err := s.ListAvailableForVehicle(ctx, "Moto")
	must.NoError(t, err)
	must.Len(t, 1, routes)
	must.Eq(t, "R1", routes[0].ID)

	// Everyone else sees all available routes, non-moto first, and the
	// assigned route never shows.
	routes, err = s.ListAvailableForVehicle(ctx, "Passeio")
	must.NoError(t, err)
	must.Len(t, 3, routes)
	must.Eq(t, "R2", routes[0].ID)
	must.Eq(t, "R3", routes[1].ID)
	must.Eq(t, "R1", routes[2].ID)
}

func TestStore_AssignIfAvailable(t *testing.T) {
	ci.Parallel(t)
	s := testStore(t, nil)
	ctx := context.Background()

	must.NoError(t, s.SeedRoute(&structs.Route{
		ID: "R1", VehicleType: "Passeio", Description: "Centro", Status: structs.RouteAvailable,
	}))

	claimed, err := s.AssignIfAvailable(ctx, "R1", "10")
	must.NoError(t, err)
	must.True(t, claimed)

	// The second claim loses: the conditional update matches no row.
	claimed, err = s.AssignIfAvailable(ctx, "R1", "11")
	must.NoError(t, err)
	must.False(t, claimed)

	// Unknown route claims no row either.
	claimed, err = s.AssignIfAvailable(ctx, "R9", "10")
	must.NoError(t, err)
	must.False(t, claimed)

	assigned, err := s.DriverAlreadyAssigned(ctx, "10")
	must.NoError(t, err)
	must.True(t, assigned)

	assigned, err = s.DriverAlreadyAssigned(ctx, "11")
	must.NoError(t, err)
	must.False(t, assigned)
}

func TestStore_DriverAlreadyAssigned_Overview(t *testing.T) {
	ci.Parallel(t)
	s := testStore(t, nil)
	ctx := context.Background()

	// A row only in the assignment overview still counts.
	must.NoError(t, s.SetAssigned(ctx, "R1", "10"))

	assigned, err := s.DriverAlreadyAssigned(ctx, "10")
	must.NoError(t, err)
	must.True(t, assigned)
}

func TestStore_IsBlocklisted(t *testing.T) {
	ci.Parallel(t)
	s := testStore(t, nil)
	ctx := context.Background()

	must.NoError(t, s.SeedBlocklist(&structs.BlocklistEntry{
		DriverID: "10", Status: structs.BlocklistActive,
	}))
	must.NoError(t, s.SeedBlocklist(&structs.BlocklistEntry{
		DriverID: "11", Status: structs.BlocklistInactive,
	}))

	blocked, err := s.IsBlocklisted(ctx, "10")
	must.NoError(t, err)
	must.True(t, blocked)

	// Inactive entries and unknown drivers are clear.
	blocked, err = s.IsBlocklisted(ctx, "11")
	must.NoError(t, err)
	must.False(t, blocked)

	blocked, err = s.IsBlocklisted(ctx, "12")
	must.NoError(t, err)
	must.False(t, blocked)
}

func TestStore_IsBlocklisted_Cache(t *testing.T) {
	ci.Parallel(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewStoreFromClient(client, testlog.HCLogger(t))
	t.Cleanup(func() { kvStore.Close() })

	s := testStore(t, kvStore)
	ctx := context.Background()

	blocked, err := s.IsBlocklisted(ctx, "10")
	must.NoError(t, err)
	must.False(t, blocked)

	// The verdict is cached; a database change inside the TTL is not
	// observed until the cache entry ages out.
	must.NoError(t, s.SeedBlocklist(&structs.BlocklistEntry{
		DriverID: "10", Status: structs.BlocklistActive,
	}))

	blocked, err = s.IsBlocklisted(ctx, "10")
	must.NoError(t, err)
	must.False(t, blocked)

	mr.FastForward(blocklistCacheTTL)

	blocked, err = s.IsBlocklisted(ctx, "10")
	must.NoError(t, err)
	must.True(t, blocked)
}
