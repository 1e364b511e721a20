package device

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Driver probes, activates and synchronises the devices of one kind.
type Driver interface {
	Kind() Kind
	Probe() ([]Info, error)
	// Activate makes the device current for the calling OS thread.
	Activate(ordinal int) error
	Synchronize(ordinal int) error
}

var (
	mu      sync.Mutex
	drivers = map[Kind]Driver{CPU: cpuDriver{}}
	devices = map[Kind][]Info{}
)

// Register installs the driver for d.Kind(). It is meant to be called from
// package init functions, before Init.
func Register(d Driver) {
	mu.Lock()
	defer mu.Unlock()
	drivers[d.Kind()] = d
}

// Init probes the drivers for the given kinds, or every registered driver
// when none are given. Kinds that are already initialized are skipped, so
// Init may be called again to add a kind.
func Init(kinds ...Kind) error {
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) == 0 {
		for k := range drivers {
			kinds = append(kinds, k)
		}
		slices.Sort(kinds)
	}
	var errs []error
	for _, k := range kinds {
		if _, ok := devices[k]; ok {
			continue
		}
		d, ok := drivers[k]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: no %s driver in this build", ErrNoDevice, k))
			continue
		}
		found, err := d.Probe()
		if err != nil {
			errs = append(errs, fmt.Errorf("probe %s: %w", k, err))
			continue
		}
		if len(found) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoDevice, k))
			continue
		}
		devices[k] = found
	}
	return errors.Join(errs...)
}

// Devices returns the devices of kind k found by Init.
func Devices(k Kind) ([]Info, error) {
	mu.Lock()
	defer mu.Unlock()
	found, ok := devices[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, k)
	}
	return slices.Clone(found), nil
}

// All returns every initialized device ordered by kind and ordinal.
func All() []Info {
	mu.Lock()
	defer mu.Unlock()
	var out []Info
	for k := CPU; k <= CUDA; k++ {
		out = append(out, devices[k]...)
	}
	return out
}

// Synchronize waits for all queued work on every initialized device.
func Synchronize() error {
	mu.Lock()
	defer mu.Unlock()
	var errs []error
	for k, found := range devices {
		d := drivers[k]
		for _, info := range found {
			if err := d.Synchronize(info.Ordinal); err != nil {
				errs = append(errs, fmt.Errorf("synchronize %s: %w", info, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Shutdown synchronises every device and forgets the registry.
func Shutdown() error {
	err := Synchronize()
	mu.Lock()
	devices = map[Kind][]Info{}
	mu.Unlock()
	return err
}

func driverFor(info Info) (Driver, error) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := devices[info.Kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, info.Kind)
	}
	return drivers[info.Kind], nil
}
