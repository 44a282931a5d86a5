//go:build tinygo

package flsqspi

import (
	"runtime/volatile"
	"unsafe"
)

// MMIO accesses controller registers and the memory mapped window through
// volatile loads and stores on the target.
type MMIO struct{}

var _ Bus = MMIO{}

func reg32(addr uint32) *volatile.Register32 {
	return (*volatile.Register32)(unsafe.Pointer(uintptr(addr)))
}

func (MMIO) Read32(addr uint32) uint32 { return reg32(addr).Get() }

func (MMIO) Write32(addr, val uint32) { reg32(addr).Set(val) }

func (MMIO) Read8(addr uint32) uint8 {
	return (*volatile.Register8)(unsafe.Pointer(uintptr(addr))).Get()
}
