package tensor

// Storage is a fixed-capacity contiguous buffer. It is the only thing that
// owns memory; tensors are views over it.
type Storage interface {
	// Len is the capacity in bytes.
	Len() int
}

// HostStorage is storage in process memory.
type HostStorage struct {
	data []byte
}

// NewHostStorage allocates n zeroed bytes.
func NewHostStorage(n int) *HostStorage {
	return &HostStorage{data: make([]byte, n)}
}

// BorrowHost wraps b without copying. The caller keeps b alive and must not
// resize it.
func BorrowHost(b []byte) *HostStorage {
	return &HostStorage{data: b}
}

func (h *HostStorage) Len() int { return len(h.data) }

// Bytes returns the full backing buffer.
func (h *HostStorage) Bytes() []byte { return h.data }
