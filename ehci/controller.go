package ehci

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

// resetPollAttempts/resetPollInterval bound the HCRESET poll to roughly
// 50ms (spec.md §4.3 "poll until clear, bounded ≈ 50 ms").
const (
	resetPollAttempts = 500
	resetPollInterval = 100 * time.Microsecond

	legacyHandoffAttempts = 20
	legacyHandoffInterval = 50 * time.Millisecond
)

// pendingTransfer tracks one in-flight async/periodic request alongside
// the QH and qTD chain an HCD built for it, so the finisher can walk
// "fFirstTransfer" (spec.md §4.3) and translate completion state back to
// the caller's [usbcore.Transfer].
type pendingTransfer struct {
	transfer *usbcore.Transfer
	qh       *QueueHead
	chain    []*qTD
	pipe     *usbcore.Pipe
	result   chainResult
}

// retiredNode pairs a queue head with the qTD chain it last executed, so
// the cleanup task can free both together once the IAAD handshake
// confirms the controller no longer caches either.
type retiredNode struct {
	qh    *QueueHead
	chain []*qTD
}

// Controller drives one EHCI host controller instance. It implements
// [usbcore.HCD].
type Controller struct {
	space    regio.Space
	capLen   uint8
	opBase   uint32
	hccParams uint32

	pma *pma.Allocator

	mu             sync.Mutex
	asyncRing      *AsyncRing
	periodic       *PeriodicSchedule
	strayQTD       *qTD
	pending        []*pendingTransfer
	pendingIso     []*pendingIso
	freeList       []retiredNode
	processingPipe *usbcore.Pipe

	numPorts int

	finisherWake     chan struct{}
	freeListWake     chan struct{}
	asyncAdvanceWake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
}

// Config carries the values a platform-specific probe step (PCI BAR
// mapping, interrupt line registration) has already determined. It is
// the boundary between this package and the out-of-scope PCI probing
// spec.md §1 excludes.
type Config struct {
	Space    regio.Space
	NumPorts int

	// Quirk inputs, already resolved by the caller from PCI config space
	// (spec.md §1: "the chipset quirk tables ... IDs are merely data fed
	// into two well-defined quirks").
	EHCIPCIID   quirks.PCIID
	SMBusPCIID  quirks.PCIID
	SMBusPresent bool

	// ApplyMiscRegister, when non-nil, lets the AMD periodic-list-cache
	// workaround reach the PCI config-space misc register (0x50) that
	// lives outside the EHCI MMIO BAR this Controller otherwise confines
	// itself to.
	ApplyMiscRegister func(configValue uint32) uint32
}

// New constructs an (uninitialized) EHCI controller over cfg. Call Init
// then Start to bring the controller up.
func New(cfg Config, stack *usbcore.Stack) (*Controller, error) {
	c := &Controller{
		space:    cfg.Space,
		numPorts: cfg.NumPorts,
		pma:      stack.PMA(),
	}

	if quirks.NeedsAMDPeriodicListCacheWorkaround(cfg.EHCIPCIID, cfg.SMBusPCIID, cfg.SMBusPresent) {
		if cfg.ApplyMiscRegister != nil {
			cfg.ApplyMiscRegister(quirks.ApplyAMDPeriodicListCacheWorkaround(0))
			pkg.LogInfo(pkg.ComponentEHCI, "applied AMD periodic-list-cache workaround")
		}
	}

	return c, nil
}

func (c *Controller) TypeName() string { return "EHCI" }
func (c *Controller) NumPorts() int    { return c.numPorts }

func (c *Controller) allocate(size int) (pma.Buffer, error) { return c.pma.Allocate(size) }

// Init discovers CAPLENGTH, performs the BIOS→OS legacy handoff, resets
// the controller, and builds the async/periodic schedules (spec.md §4.3
// "Registers and init" steps 1-5).
func (c *Controller) Init(ctx context.Context) error {
	c.capLen = uint8(c.space.Read8(capLength))
	c.opBase = uint32(c.capLen)
	c.hccParams = c.space.Read32(hccParams)

	if err := c.legacyHandoff(); err != nil {
		return err
	}
	if err := c.resetController(); err != nil {
		return err
	}

	periodic, err := newPeriodicSchedule(c.allocate)
	if err != nil {
		return err
	}
	c.periodic = periodic

	strayBuf, err := newQueueHead(c.allocate, nil, 0, 0, true)
	if err != nil {
		return err
	}
	c.asyncRing = newAsyncRing(strayBuf)

	strayQTD, err := newQTD(c.pmaFns(), nil, qtdPIDOut, false, false, 0)
	if err != nil {
		return err
	}
	strayQTD.clearActive() // the stray qTD is a pure terminator, never executed
	c.strayQTD = strayQTD

	c.space.Write32(c.opBase+periodicListBase, uint32(periodic.frameList.Physical))
	c.space.Write32(c.opBase+asyncListAddr, uint32(strayBuf.Phys()))

	c.finisherWake = make(chan struct{}, 1)
	c.freeListWake = make(chan struct{}, 1)
	c.asyncAdvanceWake = make(chan struct{}, 1)

	pkg.LogInfo(pkg.ComponentEHCI, "controller initialized", "ports", c.numPorts)
	return nil
}

func (c *Controller) reg(offset uint32) uint32 { return c.space.Read32(c.opBase + offset) }
func (c *Controller) setReg(offset uint32, v uint32) { c.space.Write32(c.opBase+offset, v) }

// legacyHandoff implements the BIOS→OS ownership transfer via the
// Legacy Support extended-capability register, polling up to 20x50ms
// (spec.md §4.3 step 1).
func (c *Controller) legacyHandoff() error {
	ecp := (c.hccParams >> ecpShift) & ecpMask
	if ecp == 0 {
		return nil // no extended capabilities list; nothing to hand off
	}
	capID := c.space.Read32(ecp) & legSupCapIDMask
	if capID != legSupCapID {
		return nil
	}

	legSup := c.space.Read32(ecp)
	c.space.Write32(ecp, legSup|legSupOSOwned)

	for i := 0; i < legacyHandoffAttempts; i++ {
		v := c.space.Read32(ecp)
		if v&legSupBIOSOwned == 0 && v&legSupOSOwned != 0 {
			return nil
		}
		time.Sleep(legacyHandoffInterval)
	}
	return fmt.Errorf("ehci: %w: BIOS did not release controller ownership", pkg.ErrTimeout)
}

// resetController asserts USBCMD.HCRESET and polls until clear, bounded
// to roughly 50ms (spec.md §4.3 step 2).
func (c *Controller) resetController() error {
	c.setReg(usbCmd, c.reg(usbCmd)|cmdHCReset)
	for i := 0; i < resetPollAttempts; i++ {
		if c.reg(usbCmd)&cmdHCReset == 0 {
			return nil
		}
		time.Sleep(resetPollInterval)
	}
	return fmt.Errorf("ehci: %w: HCRESET did not clear", pkg.ErrHostControllerError)
}

// Start enables interrupts and starts the controller's run/stop bit with
// async and periodic schedules enabled (spec.md §4.3 step 6).
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return pkg.ErrAlreadyRunning
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.mu.Unlock()

	c.setReg(usbIntr, intrUSBInt|intrUSBErrInt|intrHostSysErr|intrIntOnAA)

	cmd := c.reg(usbCmd)
	cmd |= cmdRunStop | cmdAsyncEnable | cmdPeriodicEnable
	cmd |= (8 & cmdITCMask) << cmdITCShift
	c.setReg(usbCmd, cmd)

	c.setReg(configFlag, configFlagFlag)

	c.wg.Add(2)
	go c.runFinisher()
	go c.runCleanup()

	pkg.LogInfo(pkg.ComponentEHCI, "controller started")
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

	cmd := c.reg(usbCmd)
	c.setReg(usbCmd, cmd&^cmdRunStop)

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	pkg.LogInfo(pkg.ComponentEHCI, "controller stopped")
	return nil
}

// PortStatus reads and decodes PORTSC for the given 0-indexed port.
func (c *Controller) PortStatus(index int) (usbcore.PortStatus, error) {
	if index < 0 || index >= c.numPorts {
		return usbcore.PortStatus{}, pkg.ErrInvalidParameter
	}
	v := c.reg(portSC0 + uint32(index)*4)

	speed := usbcore.SpeedFull
	if v&portSCEnable != 0 {
		speed = usbcore.SpeedHigh // EHCI only ever owns high-speed devices once enabled
	}

	return usbcore.PortStatus{
		Connected:     v&portSCConnStatus != 0,
		Enabled:       v&portSCEnable != 0,
		Suspended:     v&portSCSuspend != 0,
		OverCurrent:   v&portSCOCActive != 0,
		Reset:         v&portSCPortReset != 0,
		PowerOn:       v&portSCPortPower != 0,
		Speed:         speed,
		ConnectChange: v&portSCConnChange != 0,
		EnableChange:  v&portSCEnableChange != 0,
		ResetChange:   false, // EHCI has no dedicated reset-change bit; resets complete synchronously
	}, nil
}

func (c *Controller) NotifyPipeChange(p *usbcore.Pipe) {
	// An EHCI QH's characteristics are re-derived whenever its pipe's
	// max-packet-size or toggle changes; this core rebuilds the QH lazily
	// on the next SubmitTransfer rather than patching endpoint_chars in
	// place, so there is nothing to do eagerly here.
}
