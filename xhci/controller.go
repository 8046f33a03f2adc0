package xhci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/usbhcd/internal/pma"
	"github.com/ardnew/usbhcd/internal/quirks"
	"github.com/ardnew/usbhcd/internal/regio"
	"github.com/ardnew/usbhcd/pkg"
	"github.com/ardnew/usbhcd/usbcore"
)

// controllerResetAttempts/controllerResetInterval bound the CMD.HCRST poll
// to roughly 10ms per attempt, up to 5 attempts (spec.md §5 "Port-reset
// sequences: up to 5x10ms for controller reset").
const (
	controllerResetAttempts = 5
	controllerResetInterval = 10 * time.Millisecond

	cnrPollAttempts = 500
	cnrPollInterval = 100 * time.Microsecond

	haltPollAttempts = 500
	haltPollInterval = 100 * time.Microsecond
)

// slotState is the controller-private bookkeeping for one enabled device
// slot: its device/input contexts, and one endpointRing per configured
// endpoint (spec.md §4.4 "Device allocation").
type slotState struct {
	slot uint8

	inputCtx  pma.Buffer
	deviceCtx pma.Buffer

	endpoints map[int]*endpointRing // keyed by XHCI_ENDPOINT_ID
}

// Controller drives one xHCI host controller instance. It implements
// [usbcore.HCD].
type Controller struct {
	space regio.Space
	pma   *pma.Allocator

	capLen      uint8
	opBase      uint32
	rtBase      uint32
	dbBase      uint32
	contextSize int // 32 or 64, from HCCPARAMS1.CSZ

	maxSlots        int
	maxPorts        int
	numScratchpad   int

	erst     pma.Buffer // combined event-ring + command-ring DMA segment
	erstBase uintptr
	events   *eventRing

	cmd   *commandRing
	cmdMu sync.Mutex

	dcbaa      pma.Buffer
	scratchpad pma.Buffer // the scratchpad pointer array itself
	scratchBufs []pma.Buffer

	mu    sync.Mutex
	slots map[uint8]*slotState

	finishedMu   sync.Mutex
	finishedHead *transferDescriptor

	eventWake    chan struct{}
	finisherWake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
}

// Config carries the values a platform-specific probe step (PCI BAR
// mapping, interrupt line registration) has already determined — the
// boundary between this package and the out-of-scope PCI probing spec.md
// §1 excludes.
type Config struct {
	Space regio.Space

	XHCIPCIID quirks.PCIID

	// ApplyPortRouting, when non-nil, lets the Intel port-routing quirk
	// reach the PCI config-space registers (USB2PRM/XUSB2PR,
	// USB3PRM/USB3_PSSEN) that live outside this Controller's MMIO BAR,
	// mirroring [ehci.Config.ApplyMiscRegister]'s boundary.
	ApplyPortRouting func()
}

// New constructs an (uninitialized) xHCI controller over cfg. Call Init
// then Start to bring the controller up.
func New(cfg Config, stack *usbcore.Stack) (*Controller, error) {
	c := &Controller{
		space: cfg.Space,
		pma:   stack.PMA(),
		slots: make(map[uint8]*slotState),
	}

	if quirks.NeedsIntelPortRouting(cfg.XHCIPCIID) {
		if cfg.ApplyPortRouting != nil {
			cfg.ApplyPortRouting()
			pkg.LogInfo(pkg.ComponentXHCI, "applied Intel xHCI port-routing quirk")
		}
	}

	return c, nil
}

func (c *Controller) TypeName() string { return "xHCI" }
func (c *Controller) NumPorts() int    { return c.maxPorts }

func (c *Controller) allocator() pmaAllocator {
	return pmaAllocator{Allocate: c.pma.Allocate}
}

// Init discovers the capability/operational/runtime/doorbell register
// windows, performs the BIOS→OS legacy handoff, resets and halts the
// controller, discovers slot/port/scratchpad counts, and builds the
// DCBAA, event ring, and command ring (spec.md §4.4 "Registers and
// init").
func (c *Controller) Init(ctx context.Context) error {
	c.capLen = uint8(c.space.Read8(capLength))
	c.opBase = uint32(c.capLen)

	dbOff := c.space.Read32(dbOffReg) &^ 0x3
	rtsOff := c.space.Read32(rtsOffReg) &^ 0x1F
	c.dbBase = dbOff
	c.rtBase = rtsOff

	hcs1 := c.space.Read32(hcsParams1)
	c.maxSlots = int(hcs1 & hcsMaxSlotsMask)
	c.maxPorts = int((hcs1 >> hcsMaxPortsShift) & hcsMaxPortsMask)

	hcs2 := c.space.Read32(hcsParams2)
	c.numScratchpad = maxScratchpadBuffers(hcs2)

	hcc1 := c.space.Read32(hccParams1)
	c.contextSize = contextSize32
	if hcc1&hccCSZBit != 0 {
		c.contextSize *= 2
	}

	if err := c.legacyHandoff(hcc1); err != nil {
		return err
	}
	if err := c.haltController(); err != nil {
		return err
	}
	if err := c.resetController(); err != nil {
		return err
	}

	c.setReg(config, uint32(c.maxSlots))

	if err := c.setupDCBAA(); err != nil {
		return err
	}
	if err := c.setupEventAndCommandRings(); err != nil {
		return err
	}

	c.eventWake = make(chan struct{}, 1)
	c.finisherWake = make(chan struct{}, 1)

	pkg.LogInfo(pkg.ComponentXHCI, "controller initialized",
		"slots", c.maxSlots, "ports", c.maxPorts, "scratchpad", c.numScratchpad,
		"contextSize", c.contextSize)
	return nil
}

func (c *Controller) reg(offset uint32) uint32         { return c.space.Read32(c.opBase + offset) }
func (c *Controller) setReg(offset uint32, v uint32)   { c.space.Write32(c.opBase+offset, v) }

// legacyHandoff implements the BIOS->OS ownership transfer via the USB
// Legacy Support extended capability, then disables SMI generation for
// every event this driver wants to own (spec.md §4.4 step list mirrors
// ehci.legacyHandoff's shape, grounded in the same BIOS handoff pattern).
func (c *Controller) legacyHandoff(hcc1 uint32) error {
	xecp := (hcc1 >> hccXECPShift) & hccXECPMask
	if xecp == 0 {
		return nil
	}
	offset := xecp * 4
	for offset != 0 {
		header := c.space.Read32(offset)
		id := header & xecpIDMask
		next := (header >> xecpNextShift) & xecpNextMask

		if id == xecpLegSupID {
			c.space.SetBits32(offset, legSupOSOwned)
			for i := 0; i < legacyHandoffAttempts; i++ {
				v := c.space.Read32(offset)
				if v&legSupBIOSOwned == 0 && v&legSupOSOwned != 0 {
					break
				}
				time.Sleep(legacyHandoffInterval)
			}
			c.space.ClearBits32(offset+legCtlSts, legCtlStsDisableSMI)
		}

		if next == 0 {
			break
		}
		offset += next * 4
	}
	return nil
}

const legacyHandoffAttempts = 20
const legacyHandoffInterval = 50 * time.Millisecond

// haltController clears CMD.RUN and waits for STS.HCH to assert.
func (c *Controller) haltController() error {
	c.setReg(usbCmd, c.reg(usbCmd)&^uint32(cmdRun))
	for i := 0; i < haltPollAttempts; i++ {
		if c.reg(usbSts)&stsHCH != 0 {
			return nil
		}
		time.Sleep(haltPollInterval)
	}
	return fmt.Errorf("xhci: %w: controller did not halt", pkg.ErrHostControllerError)
}

// resetController asserts CMD.HCRST, waits for it to self-clear, then
// waits for STS.CNR (Controller Not Ready) to clear (spec.md §5: up to
// 5x10ms for controller reset).
func (c *Controller) resetController() error {
	c.setReg(usbCmd, c.reg(usbCmd)|cmdHCRST)
	for i := 0; i < controllerResetAttempts; i++ {
		if c.reg(usbCmd)&cmdHCRST == 0 {
			break
		}
		time.Sleep(controllerResetInterval)
	}
	if c.reg(usbCmd)&cmdHCRST != 0 {
		return fmt.Errorf("xhci: %w: HCRST did not clear", pkg.ErrHostControllerError)
	}
	for i := 0; i < cnrPollAttempts; i++ {
		if c.reg(usbSts)&stsCNR == 0 {
			return nil
		}
		time.Sleep(cnrPollInterval)
	}
	return fmt.Errorf("xhci: %w: controller not ready (CNR) did not clear", pkg.ErrHostControllerError)
}

// setupDCBAA allocates the Device Context Base Address Array (one entry
// per slot plus entry 0 for the scratchpad array) and, if the controller
// requires scratchpad buffers, the scratchpad array and its buffers
// (xHCI 1.2 §6.1, §4.20).
func (c *Controller) setupDCBAA() error {
	entries := c.maxSlots + 1
	dcbaa, err := c.pma.Allocate(entries * 8)
	if err != nil {
		return err
	}
	dcbaa.Zero()
	c.dcbaa = dcbaa

	if c.numScratchpad > 0 {
		arr, err := c.pma.Allocate(c.numScratchpad * 8)
		if err != nil {
			return err
		}
		arr.Zero()
		c.scratchpad = arr

		c.scratchBufs = make([]pma.Buffer, c.numScratchpad)
		for i := 0; i < c.numScratchpad; i++ {
			buf, err := c.pma.Allocate(pma.PageSize)
			if err != nil {
				return err
			}
			buf.Zero()
			c.scratchBufs[i] = buf
			putUint64(arr.Logical[i*8:i*8+8], uint64(buf.Physical))
		}
		putUint64(dcbaa.Logical[0:8], uint64(arr.Physical))
	}

	c.space.Write32(c.opBase+dcbaapLo, uint32(dcbaa.Physical))
	c.space.Write32(c.opBase+dcbaapHi, uint32(uint64(dcbaa.Physical)>>32))
	return nil
}

// setupEventAndCommandRings allocates one combined DMA segment holding
// the command ring immediately after the event ring (spec.md §4.4
// "Command-ring physical layout"), builds a single-segment ERST pointing
// at it, and programs ERSTSZ/ERDP/ERSTBA/CRCR.
func (c *Controller) setupEventAndCommandRings() error {
	const erstElementSize = 16 // { ringSegmentBase uint64, ringSegmentSize uint32, reserved uint32 }

	total := erstElementSize + (maxEvents+maxCommands)*trbSize
	erst, err := c.pma.Allocate(total)
	if err != nil {
		return err
	}
	erst.Zero()
	c.erst = erst

	erstElement := erst.Logical[0:erstElementSize]
	ringBase := erst.Physical + erstElementSize
	putUint64(erstElement[0:8], uint64(ringBase))
	putUint32(erstElement[8:12], uint32(maxEvents))

	eventBuf := erst.Logical[erstElementSize : erstElementSize+maxEvents*trbSize]
	c.events = newEventRing(eventBuf)
	c.erstBase = ringBase

	cmdBuf := erst.Logical[erstElementSize+maxEvents*trbSize:]
	c.cmd = &commandRing{
		buf:      pma.Buffer{Logical: cmdBuf, Physical: ringBase + uintptr(maxEvents*trbSize), Size: maxCommands * trbSize},
		cursor:   newRingCursor(cmdBuf, maxCommands),
		complete: make(chan struct{}, 1),
	}

	c.space.Write32(c.rtBase+erstsz(0), uint32(1))
	c.space.Write32(c.rtBase+erdpLo(0), uint32(ringBase))
	c.space.Write32(c.rtBase+erdpHi(0), uint32(uint64(ringBase)>>32))
	c.space.Write32(c.rtBase+erstbaLo(0), uint32(erst.Physical))
	c.space.Write32(c.rtBase+erstbaHi(0), uint32(uint64(erst.Physical)>>32))

	crcrLow := uint32(c.cmd.phys()&^0x3f) | crcrRCS
	c.space.Write32(c.opBase+crcrLo, crcrLow)
	c.space.Write32(c.opBase+crcrHi, uint32(uint64(c.cmd.phys())>>32))

	return nil
}

// Start enables interrupts and the controller's run bit, then launches
// the event-dispatch and finisher background tasks (spec.md §4.4
// "init"'s final step, §5 "two or three worker tasks per controller").
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return pkg.ErrAlreadyRunning
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.mu.Unlock()

	c.space.SetBits32(c.rtBase+iman(0), imanIntrEna)

	cmd := c.reg(usbCmd)
	cmd |= cmdRun | cmdEIE | cmdHSEIE
	c.setReg(usbCmd, cmd)

	for i := 0; i < haltPollAttempts; i++ {
		if c.reg(usbSts)&stsHCH == 0 {
			break
		}
		time.Sleep(haltPollInterval)
	}

	c.wg.Add(2)
	go c.runEventThread(c.ctx)
	go c.runFinisher(c.ctx)

	pkg.LogInfo(pkg.ComponentXHCI, "controller started")
	return nil
}

// Stop halts the controller and waits for background tasks to exit.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return pkg.ErrNotRunning
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	c.setReg(usbCmd, c.reg(usbCmd)&^uint32(cmdRun))

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	pkg.LogInfo(pkg.ComponentXHCI, "controller stopped")
	return nil
}

// HandleInterrupt services one host-controller interrupt, acknowledging
// USBSTS and waking the event-dispatch task (spec.md §4.4 "Events").
func (c *Controller) HandleInterrupt() {
	status := c.reg(usbSts) & (stsHSE | stsEINT | stsPCD)
	if status == 0 {
		return
	}
	c.setReg(usbSts, status) // write-1-to-clear

	if status&stsHSE != 0 {
		pkg.LogError(pkg.ComponentXHCI, "host system error reported")
	}
	if status&stsEINT != 0 {
		wake(c.eventWake)
	}
	if status&stsPCD != 0 {
		pkg.LogInfo(pkg.ComponentXHCI, "port status change interrupt")
	}
}

// PortStatus reads and decodes PORTSC for the given 0-indexed port.
func (c *Controller) PortStatus(index int) (usbcore.PortStatus, error) {
	if index < 0 || index >= c.maxPorts {
		return usbcore.PortStatus{}, pkg.ErrInvalidParameter
	}
	v := c.space.Read32(c.opBase + portSC(index))

	speed := usbcore.SpeedFull
	switch (v >> portSCSpeedShift) & portSCSpeedMask {
	case speedCodeLow:
		speed = usbcore.SpeedLow
	case speedCodeHigh:
		speed = usbcore.SpeedHigh
	case speedCodeSuper:
		speed = usbcore.SpeedSuper
	}

	return usbcore.PortStatus{
		Connected:     v&portSCCCS != 0,
		Enabled:       v&portSCPED != 0,
		OverCurrent:   v&portSCOCA != 0,
		Reset:         v&portSCPR != 0,
		PowerOn:       v&portSCPP != 0,
		Speed:         speed,
		ConnectChange: v&portSCCSC != 0,
		EnableChange:  v&portSCPEC != 0,
		ResetChange:   v&portSCPRC != 0,
	}, nil
}

func (c *Controller) NotifyPipeChange(p *usbcore.Pipe) {
	// An xHCI endpoint's characteristics live in its endpoint context,
	// reprogrammed via Evaluate Context when they change; this core defers
	// that to the next SubmitTransfer rather than patching eagerly here.
}

func (c *Controller) findEndpoint(slot uint8, endpointID int) *endpointRing {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[slot]
	if !ok {
		return nil
	}
	return s.endpoints[endpointID]
}

func (c *Controller) pushFinished(td *transferDescriptor) {
	c.finishedMu.Lock()
	td.next = c.finishedHead
	c.finishedHead = td
	c.finishedMu.Unlock()
	wake(c.finisherWake)
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
