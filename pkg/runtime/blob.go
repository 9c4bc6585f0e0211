package runtime

import "fmt"

// Blob is a non-owning view of a region of a runtime buffer.
type Blob struct {
	runtime Runtime
	offset  int
	data    []byte
}

// NewBlob views base[offset:offset+size]. The slice is capped so writes through
// the blob can never spill into a neighbouring region.
func NewBlob(rt Runtime, base []byte, offset, size int) (*Blob, error) {
	if offset < 0 || size < 0 || offset+size > len(base) {
		return nil, fmt.Errorf("region [%d, %d) out of bounds of %d byte buffer", offset, offset+size, len(base))
	}
	return &Blob{
		runtime: rt,
		offset:  offset,
		data:    base[offset : offset+size : offset+size],
	}, nil
}

func (b *Blob) Runtime() Runtime {
	return b.runtime
}

// Offset is the position of the region within the backing buffer.
func (b *Blob) Offset() int {
	return b.offset
}

func (b *Blob) Size() int {
	return len(b.data)
}

func (b *Blob) Data() []byte {
	return b.data
}

func (b *Blob) String() string {
	return fmt.Sprintf("Blob(%s, offset=%d, size=%d)", b.runtime, b.offset, len(b.data))
}
