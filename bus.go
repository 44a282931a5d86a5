package flsqspi

import (
	"errors"
	"log/slog"

	"github.com/soypat/flsqspi/qspireg"
)

var errCtrlBusy = errors.New("controller busy")

// Bus gives the driver access to controller registers and the memory
// mapped (AHB) window. Addresses are absolute.
type Bus interface {
	Read32(addr uint32) uint32
	Write32(addr, val uint32)
	// Read8 is only used for byte loads of the memory window.
	Read8(addr uint32) uint8
}

func (d *Device) read32(u *unit, off uint32) uint32 {
	return d.bus.Read32(u.RegBase + off)
}

func (d *Device) write32(u *unit, off, val uint32) {
	d.bus.Write32(u.RegBase+off, val)
}

func (d *Device) setBits(u *unit, off, mask uint32) {
	d.write32(u, off, d.read32(u, off)|mask)
}

func (d *Device) clearBits(u *unit, off, mask uint32) {
	d.write32(u, off, d.read32(u, off)&^mask)
}

// w1c clears write-1-to-clear flags.
func (d *Device) w1c(u *unit, f qspireg.Flag) {
	d.write32(u, qspireg.FR, uint32(f))
}

func (d *Device) flags(u *unit) qspireg.Flag {
	return qspireg.Flag(d.read32(u, qspireg.FR))
}

// ctrlBusy reports whether the controller is executing a command.
func (d *Device) ctrlBusy(u *unit) bool {
	return d.read32(u, qspireg.SR)&qspireg.SR_BUSY != 0
}

// waitCtrlIdle spins until the controller finished the last command.
// A limit of N permits N busy observations.
func (d *Device) waitCtrlIdle(u *unit, limit int) error {
	b := budget{left: limit}
	for d.ctrlBusy(u) {
		if b.expire() {
			d.logerr("controller stuck busy", slog.Int("unit", u.idx))
			return errjoin(ErrHardwareTimeout, errCtrlBusy)
		}
	}
	return nil
}

// checkFlags returns ErrController when a sticky error flag is set and
// clears the offending flags.
func (d *Device) checkFlags(u *unit) error {
	f := d.flags(u) & qspireg.FlagErrors
	if f == 0 {
		return nil
	}
	d.w1c(u, f)
	d.logerr("controller error", slog.Int("unit", u.idx), slog.String("flags", f.String()))
	return errjoin(ErrController, flagError(f))
}

type flagError qspireg.Flag

func (f flagError) Error() string { return "flags " + qspireg.Flag(f).String() }
