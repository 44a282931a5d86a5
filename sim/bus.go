package sim

// Bus dispatches register and memory accesses to the controllers owning
// the address. Unmapped reads return zero and unmapped writes are counted.
type Bus struct {
	ctrls    []*Controller
	Unmapped int
}

// NewBus returns a bus over ctrls. Controllers must not overlap.
func NewBus(ctrls ...*Controller) *Bus {
	return &Bus{ctrls: ctrls}
}

// Controller returns the i'th controller.
func (b *Bus) Controller(i int) *Controller { return b.ctrls[i] }

func (b *Bus) owner(addr uint32) *Controller {
	for _, c := range b.ctrls {
		if c.OwnsReg(addr) || c.OwnsMem(addr) {
			return c
		}
	}
	b.Unmapped++
	return nil
}

func (b *Bus) Read32(addr uint32) uint32 {
	if c := b.owner(addr); c != nil {
		return c.Read32(addr)
	}
	return 0
}

func (b *Bus) Read8(addr uint32) uint8 {
	if c := b.owner(addr); c != nil {
		return c.Read8(addr)
	}
	return 0
}

func (b *Bus) Write32(addr, val uint32) {
	if c := b.owner(addr); c != nil {
		c.Write32(addr, val)
	}
}
