package ehci

import (
	"github.com/ardnew/usbhcd/pkg"
	"github.com/ardnew/usbhcd/usbcore"
)

// maxQTDPayload is the largest payload a single qTD can describe: 5
// buffer pointers, the first of which may start at a sub-page offset, so
// the guaranteed contiguous span is 5 pages minus the worst-case partial
// first page (spec.md §3 invariant: "an EHCI qTD buffer spans up to 5
// contiguous 4 KiB pages").
const maxQTDPayload = 4 * pageSizeEHCI

const pageSizeEHCI = 4096

// SubmitTransfer builds a qTD chain (or iTD/siTD schedule) for t and
// links it into the appropriate hardware list (spec.md §4.3 "Async
// (control/bulk) transfers", "Periodic (interrupt) transfers",
// "Isochronous transfers").
func (c *Controller) SubmitTransfer(t *usbcore.Transfer) error {
	pipe := t.Pipe()
	switch pipe.Type() {
	case usbcore.TransferTypeControl:
		return c.submitControl(t)
	case usbcore.TransferTypeBulk:
		return c.submitBulk(t)
	case usbcore.TransferTypeInterrupt:
		return c.submitInterrupt(t)
	case usbcore.TransferTypeIsochronous:
		return c.submitIsochronous(t)
	default:
		return pkg.ErrInvalidRequest
	}
}

func (c *Controller) submitControl(t *usbcore.Transfer) error {
	pipe := t.Pipe()
	setup := t.Setup()
	if setup == nil {
		return pkg.ErrInvalidRequest
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hubAddr, hubPort := hubAddressPort(pipe)
	qh, err := newQueueHead(c.allocate, pipe, hubAddr, hubPort, false)
	if err != nil {
		return err
	}

	setupBuf := make([]byte, usbcore.SetupPacketSize)
	setup.MarshalTo(setupBuf)

	stray := c.strayQTD

	setupQTD, err := newQTD(c.pmaFns(), setupBuf, qtdPIDSetup, false, false, strayPhys(stray))
	if err != nil {
		return err
	}

	chain := []*qTD{setupQTD}
	toggle := true
	remaining := t.Buffer()
	for len(remaining) > 0 {
		n := len(remaining)
		if n > maxQTDPayload {
			n = maxQTDPayload
		}
		pid := uint8(qtdPIDOut)
		if setup.IsDeviceToHost() {
			pid = qtdPIDIn
		}
		dataQTD, err := newQTD(c.pmaFns(), remaining[:n], pid, toggle, false, strayPhys(stray))
		if err != nil {
			return err
		}
		chain = append(chain, dataQTD)
		toggle = !toggle
		remaining = remaining[n:]
	}

	statusPID := uint8(qtdPIDIn)
	if setup.IsDeviceToHost() {
		statusPID = qtdPIDOut
	}
	statusQTD, err := newQTD(c.pmaFns(), nil, statusPID, true, true, strayPhys(stray))
	if err != nil {
		return err
	}
	chain = append(chain, statusQTD)

	linkChain(chain)
	qh.linkOverlay(chain[0])
	c.asyncRing.Insert(qh)

	c.pending = append(c.pending, &pendingTransfer{transfer: t, qh: qh, chain: chain, pipe: pipe})
	return nil
}

func (c *Controller) submitBulk(t *usbcore.Transfer) error {
	pipe := t.Pipe()

	c.mu.Lock()
	defer c.mu.Unlock()

	qh, err := newQueueHead(c.allocate, pipe, 0, 0, false)
	if err != nil {
		return err
	}

	stray := c.strayQTD
	pid := uint8(qtdPIDOut)
	if pipe.Direction() == usbcore.DirectionIn {
		pid = qtdPIDIn
	}

	var chain []*qTD
	remaining := t.Buffer()
	toggle := pipe.DataToggle()
	if len(remaining) == 0 {
		q, err := newQTD(c.pmaFns(), nil, pid, toggle, true, strayPhys(stray))
		if err != nil {
			return err
		}
		chain = append(chain, q)
	}
	for len(remaining) > 0 {
		n := len(remaining)
		if n > maxQTDPayload {
			n = maxQTDPayload
		}
		ioc := n == len(remaining)
		q, err := newQTD(c.pmaFns(), remaining[:n], pid, toggle, ioc, strayPhys(stray))
		if err != nil {
			return err
		}
		chain = append(chain, q)
		toggle = !toggle
		remaining = remaining[n:]
	}
	if len(t.Buffer()) > maxQTDPayload*len(chain) {
		t.SetFragmented(true)
	}

	linkChain(chain)
	qh.linkOverlay(chain[0])
	c.asyncRing.Insert(qh)

	c.pending = append(c.pending, &pendingTransfer{transfer: t, qh: qh, chain: chain, pipe: pipe})
	return nil
}

func (c *Controller) submitInterrupt(t *usbcore.Transfer) error {
	pipe := t.Pipe()

	c.mu.Lock()
	defer c.mu.Unlock()

	qh, err := newQueueHead(c.allocate, pipe, 0, 0, false)
	if err != nil {
		return err
	}

	interval := int(pipe.Interval())
	if interval < 1 {
		interval = 1
	}
	if pipe.Speed() != usbcore.SpeedHigh {
		interval = 1 // spec.md §4.3: "force interval 1" for full/low speed
		ssm, csm := splitScheduleMasks()
		caps := getUint32(qh.buf.Logical[8:12])
		caps |= uint32(ssm) << qhCapsISMShift
		caps |= uint32(csm) << qhCapsSCMShift
		putUint32(qh.buf.Logical[8:12], caps)
	}

	stray := c.strayQTD
	pid := uint8(qtdPIDOut)
	if pipe.Direction() == usbcore.DirectionIn {
		pid = qtdPIDIn
	}
	dataQTD, err := newQTD(c.pmaFns(), t.Buffer(), pid, pipe.DataToggle(), true, strayPhys(stray))
	if err != nil {
		return err
	}
	chain := []*qTD{dataQTD}
	linkChain(chain)
	qh.linkOverlay(chain[0])

	c.periodic.LinkInterrupt(qh, interval)

	c.pending = append(c.pending, &pendingTransfer{transfer: t, qh: qh, chain: chain, pipe: pipe})
	return nil
}

// linkChain wires next_phy between consecutive qTDs in the chain,
// leaving the last entry's next_phy terminated as set at construction
// (every entry's alt_next already points at the stray qTD).
func linkChain(chain []*qTD) {
	for i := 0; i < len(chain)-1; i++ {
		chain[i].setNextPhys(chain[i+1].Phys(), false)
	}
}

func strayPhys(stray *qTD) uintptr {
	if stray == nil {
		return 0
	}
	return stray.Phys()
}

func (c *Controller) pmaFns() pmaAllocator {
	return pmaAllocator{Allocate: c.allocate}
}

// hubAddressPort returns the upstream hub address/port a low/full-speed
// pipe's transaction-translator fields need, or 0/0 for a pipe with no
// device yet (the bus manager's default control pipe) or one attached
// directly to the root hub.
func hubAddressPort(pipe *usbcore.Pipe) (uint8, uint8) {
	dev := pipe.Device()
	if dev == nil {
		return 0, 0
	}
	return dev.HubAddress(), dev.HubPort()
}
