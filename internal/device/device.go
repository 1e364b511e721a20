// Package device keeps the process-wide registry of compute devices, the
// scoped device contexts and the deferred resources that cross them.
package device

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized = errors.New("device: registry not initialized")
	ErrNoDevice       = errors.New("device: no device available")
	ErrContextClosed  = errors.New("device: context is no longer active")
	ErrWrongContext   = errors.New("device: resource belongs to another device")
	ErrSporeEmpty     = errors.New("device: spore already sprouted")
)

type Kind uint8

const (
	CPU Kind = iota
	CUDA
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Capability is a compute capability version such as 8.6.
type Capability struct {
	Major, Minor int
}

func (c Capability) Less(o Capability) bool {
	if c.Major != o.Major {
		return c.Major < o.Major
	}
	return c.Minor < o.Minor
}

func (c Capability) String() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

// Info describes one device as reported by its driver at Init.
type Info struct {
	Kind    Kind
	Ordinal int
	Name    string

	MaxThreadsPerBlock int
	WarpSize           int
	ComputeCapability  Capability
	Multiprocessors    int
	TotalMemory        uint64

	// Cache geometry in bytes, reported for CPUs only.
	CacheLine int
	L1D       int
	L2        int
	Features  []string
}

func (i Info) String() string {
	return fmt.Sprintf("%s:%d %s", i.Kind, i.Ordinal, i.Name)
}

func (i Info) same(o Info) bool {
	return i.Kind == o.Kind && i.Ordinal == o.Ordinal
}
