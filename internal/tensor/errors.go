package tensor

import "errors"

var (
	ErrShapeMismatch      = errors.New("tensor: shape mismatch")
	ErrOutOfBounds        = errors.New("tensor: index out of bounds")
	ErrNotContiguous      = errors.New("tensor: not contiguous")
	ErrSizeMismatch       = errors.New("tensor: size mismatch")
	ErrInvalidPermutation = errors.New("tensor: invalid permutation")
	ErrDataType           = errors.New("tensor: unsupported data type")
	ErrAliasing           = errors.New("tensor: overlapping views")
	ErrNotHost            = errors.New("tensor: storage is not host memory")
)
