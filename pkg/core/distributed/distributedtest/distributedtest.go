// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributedtest runs simulated multi-process jobs within a test, one goroutine per process, connected
// by in-process collective groups.
package distributedtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/monkfish/lvd/pkg/core/collective"
	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/stretchr/testify/require"
)

// Timeout of a job started with RunJob. A job that hangs, e.g. on mismatched collective calls, fails with
// a context error.
var Timeout = 30 * time.Second

// RunJob simulates a job with processCount processes of devicesPerProcess devices each, arranged in a mesh
// of the given shape with the default axes names. It runs fn once per process, concurrently, and returns
// their errors indexed by process.
func RunJob(t *testing.T, processCount, devicesPerProcess int, meshShape []int,
	fn func(ctx context.Context, m *distributed.Manager) error) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	groups := collective.NewLocalGroups(processCount)
	errs := make([]error, processCount)
	var wg sync.WaitGroup
	for rank := range processCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = func() error {
				topology, err := distributed.NewTopology(rank, processCount, devicesPerProcess)
				if err != nil {
					return err
				}
				mesh, err := distributed.NewDefaultMesh(topology, meshShape)
				if err != nil {
					return err
				}
				m, err := distributed.NewManager(groups[rank], mesh)
				if err != nil {
					return err
				}
				return fn(ctx, m)
			}()
		}()
	}
	wg.Wait()
	_ = groups[0].Close()
	return errs
}

// RequireNoErrors fails the test if any of the processes returned an error.
func RequireNoErrors(t *testing.T, errs []error) {
	t.Helper()
	for rank, err := range errs {
		require.NoErrorf(t, err, "process %d", rank)
	}
}

// RequireErrorIs fails the test unless every process returned an error matching target.
func RequireErrorIs(t *testing.T, errs []error, target error) {
	t.Helper()
	for rank, err := range errs {
		require.ErrorIsf(t, err, target, "process %d", rank)
	}
}
