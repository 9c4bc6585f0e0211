// Package allocator implements a bump arena: offsets are handed out from a cursor
// that only moves forward, and the single backing buffer is requested from the
// runtime once the total size is known.
package allocator

import (
	"errors"
	"fmt"

	"github.com/gomlx/exceptions"
	"k8s.io/examples/AI/tensorgraph/pkg/runtime"
)

// DefaultAlignment is the size of a machine word.
const DefaultAlignment = 8

// ErrLimitExceeded is returned by Ptr when the arena outgrew the limit set with WithLimit.
var ErrLimitExceeded = errors.New("arena size limit exceeded")

type Allocator struct {
	runtime   runtime.Runtime
	alignment int
	// limit caps the materialized buffer; 0 means no limit.
	limit int

	// used is the cursor: the end of the last aligned region.
	used        int
	requested   int
	allocations int

	ptr []byte
}

type Option func(*Allocator)

// WithAlignment overrides DefaultAlignment; n must be a power of two.
func WithAlignment(n int) Option {
	return func(a *Allocator) {
		a.alignment = n
	}
}

// WithLimit makes Ptr refuse to materialize an arena larger than n bytes.
func WithLimit(n int) Option {
	return func(a *Allocator) {
		a.limit = n
	}
}

func New(rt runtime.Runtime, opts ...Option) *Allocator {
	a := &Allocator{
		runtime:   rt,
		alignment: DefaultAlignment,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.alignment <= 0 || a.alignment&(a.alignment-1) != 0 {
		exceptions.Panicf("allocator alignment must be a power of two, got %d", a.alignment)
	}
	if a.limit < 0 {
		exceptions.Panicf("allocator limit must not be negative, got %d", a.limit)
	}
	return a
}

func (a *Allocator) alignedSize(size int) int {
	return (size + a.alignment - 1) &^ (a.alignment - 1)
}

// Alloc reserves size bytes and returns their offset into the buffer returned by Ptr.
func (a *Allocator) Alloc(size int) int {
	if a.ptr != nil {
		exceptions.Panicf("Alloc(%d) after the buffer was materialized", size)
	}
	if size < 0 {
		exceptions.Panicf("Alloc called with negative size %d", size)
	}
	offset := a.used
	a.used += a.alignedSize(size)
	a.requested += size
	a.allocations++
	return offset
}

// Ptr returns the backing buffer, allocating it from the runtime on the first call.
// No further Alloc calls are accepted afterwards.
func (a *Allocator) Ptr() ([]byte, error) {
	if a.ptr != nil {
		return a.ptr, nil
	}
	if a.limit > 0 && a.used > a.limit {
		return nil, fmt.Errorf("%w: %d byte arena on %s, limit is %d", ErrLimitExceeded, a.used, a.runtime, a.limit)
	}
	buf, err := a.runtime.Alloc(a.used)
	if err != nil {
		return nil, fmt.Errorf("allocating %d byte arena on %s: %w", a.used, a.runtime, err)
	}
	if buf == nil {
		buf = []byte{}
	}
	a.ptr = buf
	return a.ptr, nil
}

// Size is the total number of bytes the arena spans, padding included.
func (a *Allocator) Size() int {
	return a.used
}

func (a *Allocator) Alignment() int {
	return a.alignment
}

// Stats is a snapshot of the arena for reporting.
type Stats struct {
	Runtime        string `json:"runtime"`
	Allocations    int    `json:"allocations"`
	RequestedBytes int    `json:"requestedBytes"`
	UsedBytes      int    `json:"usedBytes"`
	Alignment      int    `json:"alignment"`
	Limit          int    `json:"limit,omitempty"`
	Materialized   bool   `json:"materialized"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%s: %d allocations, %d bytes requested, %d bytes used (alignment %d)",
		s.Runtime, s.Allocations, s.RequestedBytes, s.UsedBytes, s.Alignment)
}

func (a *Allocator) Info() Stats {
	return Stats{
		Runtime:        a.runtime.String(),
		Allocations:    a.allocations,
		RequestedBytes: a.requested,
		UsedBytes:      a.used,
		Alignment:      a.alignment,
		Limit:          a.limit,
		Materialized:   a.ptr != nil,
	}
}
