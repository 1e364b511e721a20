// Package kernel defines the capability set the forward pipeline runs on:
// seven numeric operations plus the memory and queue surface a backend
// needs to host them.
package kernel

import (
	"errors"

	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/tensor"
)

var (
	ErrKernelConfig = errors.New("kernel: invalid configuration")
	ErrUnsupported  = errors.New("kernel: unsupported operand")
)

// Queue orders kernel submissions. Work submitted to one queue runs in
// submission order; Synchronize waits for all of it.
type Queue interface {
	Device() device.Info
	Synchronize() error
	Close() error
}

// Kernels are the numeric operations. Every operation validates its
// operands and refuses to write a tensor that shares memory with one it
// reads.
type Kernels interface {
	// Gather copies table[tokens[i]] into row i of dst.
	Gather(q Queue, dst, table *tensor.Tensor, tokens []uint32) error
	// RMSNorm writes src / sqrt(mean(src²) + eps) * weight into dst, row by row.
	RMSNorm(q Queue, dst, src, weight *tensor.Tensor, eps float32) error
	// RoPE rotates adjacent pairs of the last dimension of t, shaped
	// [seq, ..., head_dim], by pos[seq] * theta^(-2k/head_dim).
	RoPE(q Queue, t, pos *tensor.Tensor, theta float32) error
	// MatMul computes c = alpha * a@b + beta * c over broadcast batch
	// dimensions. With beta == 0 the prior contents of c are ignored.
	MatMul(q Queue, c *tensor.Tensor, beta float32, a, b *tensor.Tensor, alpha float32) error
	// Reform copies src into dst element by element across layouts.
	Reform(q Queue, dst, src *tensor.Tensor) error
	// Softmax normalises the last dimension in place. The last two
	// dimensions are [rows, cols]; row r covers the first
	// cols-rows+r+1 columns (at least one) and the rest are zeroed.
	Softmax(q Queue, att *tensor.Tensor) error
	// SwiGLU computes gate = silu(gate) * up in place.
	SwiGLU(q Queue, gate, up *tensor.Tensor) error
}

// Memory places tensors on a backend.
type Memory interface {
	Alloc(dt tensor.DataType, shape ...int) (*tensor.Tensor, error)
	// Upload returns a backend-resident copy of a host tensor. Backends
	// that compute on host memory may return src itself.
	Upload(q Queue, src *tensor.Tensor) (*tensor.Tensor, error)
	// Download copies a contiguous tensor into dst.
	Download(q Queue, dst []byte, src *tensor.Tensor) error
}

// Backend is one implementation of the capability set, bound to the
// devices it was built for.
type Backend interface {
	Kernels
	Memory
	Name() string
	Devices() []device.Info
	Limits() Limits
	NewQueue() (Queue, error)
	// Supports reports whether the kernels compute on dt directly.
	Supports(dt tensor.DataType) bool
	// Preferred is the type weights are cast to when unsupported.
	Preferred() tensor.DataType
	Close() error
}
