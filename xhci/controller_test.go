package xhci

import (
	"context"
	"testing"

	"github.com/ardnew/usbhcd/internal/regio"
	"github.com/ardnew/usbhcd/usbcore"
)

// simCapLength is an arbitrary, word-aligned capability length large
// enough to leave room for the capability registers below it.
const simCapLength = 0x20

// simRtsOff/simDbOff place the runtime and doorbell register windows well
// past the operational registers and PORTSC array this package touches.
const (
	simRtsOff = 0x1000
	simDbOff  = 0x1800
)

// newTestSim builds a capability+operational+runtime+doorbell register
// window with maxSlots slots, maxPorts ports, no scratchpad buffers, 32-byte contexts,
// and no extended capabilities list (so legacyHandoff is a no-op). A write
// hook on USBCMD self-clears HCRST and tracks STS.HCH opposite RUN, both
// standing in for real hardware completing a reset/halt/start near-
// instantly (mirrors ehci's newTestSim).
func newTestSim(t *testing.T, maxSlots, maxPorts int) *regio.Sim {
	t.Helper()
	sim := regio.NewSim(0x2000)
	sim.Write8(capLength, simCapLength)
	sim.Write32(hcsParams1, uint32(maxSlots)|uint32(maxPorts)<<hcsMaxPortsShift)
	sim.Write32(hcsParams2, 0) // no scratchpad buffers
	sim.Write32(hccParams1, 0) // CSZ=0 (32-byte contexts), xECP=0
	sim.Write32(dbOffReg, simDbOff)
	sim.Write32(rtsOffReg, simRtsOff)
	sim.Write32(simCapLength+usbSts, stsHCH) // starts halted, matching real post-reset hardware

	sim.OnAccess(func(offset uint32, write bool, size int) {
		if !write || offset != simCapLength+usbCmd {
			return
		}
		// Sim.Write32 invokes this hook while still holding its own lock, so
		// any follow-up mutation has to happen from a separate goroutine
		// (see regio.Sim's OnAccess doc); haltController/resetController/
		// Start all poll with a sleep between attempts, giving this ample
		// time to land first.
		go func() {
			cmd := sim.Read32(simCapLength + usbCmd)
			if cmd&cmdHCRST != 0 {
				sim.ClearBits32(simCapLength+usbCmd, cmdHCRST)
			}
			if cmd&cmdRun != 0 {
				sim.ClearBits32(simCapLength+usbSts, stsHCH)
			} else {
				sim.SetBits32(simCapLength+usbSts, stsHCH)
			}
		}()
	})
	return sim
}

func newTestStack(t *testing.T) *usbcore.Stack {
	t.Helper()
	stack, err := usbcore.New(64, 1<<20, 4, 0)
	if err != nil {
		t.Fatalf("usbcore.New: %v", err)
	}
	return stack
}

func newTestController(t *testing.T, maxSlots, maxPorts int) (*Controller, *usbcore.Stack) {
	t.Helper()
	stack := newTestStack(t)
	sim := newTestSim(t, maxSlots, maxPorts)

	c, err := New(Config{Space: sim}, stack)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c, stack
}

func TestControllerInitDiscoversLayoutAndBuildsRings(t *testing.T) {
	c, _ := newTestController(t, 4, 2)

	if c.maxSlots != 4 {
		t.Fatalf("maxSlots = %d, want 4", c.maxSlots)
	}
	if c.maxPorts != 2 {
		t.Fatalf("maxPorts = %d, want 2", c.maxPorts)
	}
	if c.contextSize != contextSize32 {
		t.Fatalf("contextSize = %d, want %d", c.contextSize, contextSize32)
	}
	if c.events == nil {
		t.Fatal("event ring not built")
	}
	if c.cmd == nil {
		t.Fatal("command ring not built")
	}
	if c.dcbaa.Logical == nil {
		t.Fatal("DCBAA not allocated")
	}
}

func TestControllerStartSetsRunAndClearsHalt(t *testing.T) {
	c, _ := newTestController(t, 1, 1)

	if c.reg(usbCmd)&cmdRun == 0 {
		t.Fatal("RUN not set after Start")
	}
	if c.reg(usbSts)&stsHCH != 0 {
		t.Fatal("HCH still set after Start")
	}
}

func TestControllerStartTwiceFails(t *testing.T) {
	c, _ := newTestController(t, 1, 1)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error starting an already-running controller")
	}
}

func TestPortStatusDecodesConnectedSuperSpeed(t *testing.T) {
	c, _ := newTestController(t, 1, 1)
	c.space.Write32(c.opBase+portSC(0), portSCCCS|portSCPED|portSCPP|uint32(speedCodeSuper)<<portSCSpeedShift)

	st, err := c.PortStatus(0)
	if err != nil {
		t.Fatalf("PortStatus: %v", err)
	}
	if !st.Connected || !st.Enabled || !st.PowerOn {
		t.Fatalf("PortStatus = %+v, want connected/enabled/powered", st)
	}
	if st.Speed != usbcore.SpeedSuper {
		t.Fatalf("Speed = %v, want super", st.Speed)
	}
}

func TestPortStatusOutOfRange(t *testing.T) {
	c, _ := newTestController(t, 1, 1)
	if _, err := c.PortStatus(1); err == nil {
		t.Fatal("expected error for out-of-range port index")
	}
}
