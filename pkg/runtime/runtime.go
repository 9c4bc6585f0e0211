package runtime

import (
	"fmt"
)

// Runtime identifies the device/context that tensor memory lives in.
// Two tensors belong to the same runtime only if they hold the same Runtime value.
type Runtime interface {
	fmt.Stringer

	// Alloc returns a zeroed buffer of exactly size bytes owned by the caller.
	Alloc(size int) ([]byte, error)
}

// CPURuntime allocates tensor memory on the Go heap.
type CPURuntime struct {
	name string
}

var _ Runtime = &CPURuntime{}

func NewCPURuntime(name string) *CPURuntime {
	if name == "" {
		name = "cpu"
	}
	return &CPURuntime{name: name}
}

func (r *CPURuntime) String() string {
	return "CPU(" + r.name + ")"
}

func (r *CPURuntime) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("cannot allocate %d bytes on %s", size, r)
	}
	return make([]byte, size), nil
}
