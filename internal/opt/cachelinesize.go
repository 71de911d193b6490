package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is used in structure padding to prevent false sharing.
// It's automatically calculated using the `golang.org/x/sys` package.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})

// PaddedSema is a Sema occupying its own cache line.
type PaddedSema struct {
	Sema
	_ [(CacheLineSize_ - unsafe.Sizeof(*new(Sema))%CacheLineSize_) % CacheLineSize_]byte
}
