// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"

	"github.com/monkfish/lvd/pkg/support/sets"
)

// Device is an accelerator (or a CPU slot standing for one) owned by one process.
type Device struct {
	// ID is the global device number, from 0 to the number of devices in the job - 1.
	ID int

	// Process is the index of the process that owns the device.
	Process int
}

// Topology describes the processes of a job and their devices, as seen by one process.
//
// It is created once at startup and passed explicitly to whatever needs it, so tests can build any number of
// fake topologies within the same program.
type Topology struct {
	processIndex, processCount int
	devices                    []Device
}

// NewTopology creates a topology where every process owns devicesPerProcess devices, numbered consecutively:
// process p owns devices p*devicesPerProcess to (p+1)*devicesPerProcess-1.
func NewTopology(processIndex, processCount, devicesPerProcess int) (*Topology, error) {
	if processCount <= 0 || devicesPerProcess <= 0 {
		return nil, configErrorf("topology requires positive process count and devices per process, got %d and %d",
			processCount, devicesPerProcess)
	}
	devices := make([]Device, 0, processCount*devicesPerProcess)
	for process := range processCount {
		for range devicesPerProcess {
			devices = append(devices, Device{ID: len(devices), Process: process})
		}
	}
	return NewTopologyFromDevices(processIndex, processCount, devices)
}

// NewTopologyFromDevices creates a topology from an explicit device list.
// Device IDs must be exactly 0 to len(devices)-1, in any order, and every process must own at least one device.
func NewTopologyFromDevices(processIndex, processCount int, devices []Device) (*Topology, error) {
	if processCount <= 0 || processIndex < 0 || processIndex >= processCount {
		return nil, configErrorf("invalid process index %d for %d processes", processIndex, processCount)
	}
	if len(devices) == 0 {
		return nil, configErrorf("topology without devices")
	}
	byID := make([]Device, len(devices))
	seen := sets.Make[int](len(devices))
	owners := sets.Make[int](processCount)
	for _, device := range devices {
		if device.ID < 0 || device.ID >= len(devices) || !seen.InsertNew(device.ID) {
			return nil, configErrorf("device ids must be unique and between 0 and %d, got %d", len(devices)-1, device.ID)
		}
		if device.Process < 0 || device.Process >= processCount {
			return nil, configErrorf("device %d owned by invalid process %d", device.ID, device.Process)
		}
		owners.Insert(device.Process)
		byID[device.ID] = device
	}
	if len(owners) != processCount {
		return nil, configErrorf("only %d of %d processes own devices", len(owners), processCount)
	}
	return &Topology{processIndex: processIndex, processCount: processCount, devices: byID}, nil
}

// ProcessIndex of the current process.
func (t *Topology) ProcessIndex() int { return t.processIndex }

// ProcessCount is the number of processes in the job.
func (t *Topology) ProcessCount() int { return t.processCount }

// NumDevices is the number of devices across all processes.
func (t *Topology) NumDevices() int { return len(t.devices) }

// IsCoordinator returns whether the current process is process 0.
func (t *Topology) IsCoordinator() bool { return t.processIndex == 0 }

// Device returns the device with the given global id.
func (t *Topology) Device(id int) Device { return t.devices[id] }

// Devices returns all devices, ordered by id.
func (t *Topology) Devices() []Device { return slices.Clone(t.devices) }

// LocalDevices returns the devices owned by the current process.
func (t *Topology) LocalDevices() []Device {
	var local []Device
	for _, device := range t.devices {
		if device.Process == t.processIndex {
			local = append(local, device)
		}
	}
	return local
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	return fmt.Sprintf("Topology(process %d of %d, %d devices, %d local)",
		t.processIndex, t.processCount, len(t.devices), len(t.LocalDevices()))
}
