package ehci

import (
	"context"
	"testing"

	"github.com/ardnew/usbhcd/internal/regio"
	"github.com/ardnew/usbhcd/usbcore"
)

// simOpBase is an arbitrary, page-unaligned-but-word-aligned capability
// length large enough to leave room for hcsParams/hccParams below it.
const simOpBase = 0x20

// newTestSim builds a capability+operational register window wired so
// HCRESET self-clears on write (standing in for real hardware completing
// a reset near-instantly) and with no Legacy Support capability, so
// legacyHandoff is a no-op.
func newTestSim(t *testing.T, numPorts int) *regio.Sim {
	t.Helper()
	sim := regio.NewSim(0x100)
	sim.Write8(capLength, simOpBase)
	sim.Write32(hcsParams, uint32(numPorts))
	sim.Write32(hccParams, 0) // ecp=0: no extended capabilities list

	sim.OnAccess(func(offset uint32, write bool, size int) {
		if !write || offset != simOpBase+usbCmd {
			return
		}
		// Sim.Write32 invokes this hook while still holding its own lock,
		// so the clear has to happen from a separate goroutine rather than
		// reentering Sim from here; resetController's poll loop sleeps
		// between attempts, giving this ample time to land first.
		go func() {
			if sim.Read32(simOpBase+usbCmd)&cmdHCReset != 0 {
				sim.ClearBits32(simOpBase+usbCmd, cmdHCReset)
			}
		}()
	})
	return sim
}

func newTestStack(t *testing.T) *usbcore.Stack {
	t.Helper()
	stack, err := usbcore.New(64, 65536, 4, 0)
	if err != nil {
		t.Fatalf("usbcore.New: %v", err)
	}
	return stack
}

func newTestController(t *testing.T, numPorts int) (*Controller, *usbcore.Stack) {
	t.Helper()
	stack := newTestStack(t)
	sim := newTestSim(t, numPorts)

	c, err := New(Config{Space: sim, NumPorts: numPorts}, stack)
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

func TestControllerInitBuildsAsyncAndPeriodicSchedules(t *testing.T) {
	c, _ := newTestController(t, 2)

	if c.asyncRing == nil || c.asyncRing.stray == nil {
		t.Fatal("asyncRing stray anchor not created")
	}
	if c.periodic == nil {
		t.Fatal("periodic schedule not created")
	}
	if c.strayQTD == nil {
		t.Fatal("stray qTD not created")
	}
	if got := c.reg(asyncListAddr); got != uint32(c.asyncRing.stray.Phys()) {
		t.Fatalf("ASYNCLISTADDR = %#x, want %#x", got, c.asyncRing.stray.Phys())
	}
	if got := c.reg(periodicListBase); got != uint32(c.periodic.frameList.Physical) {
		t.Fatalf("PERIODICLISTBASE = %#x, want %#x", got, c.periodic.frameList.Physical)
	}
}

func TestControllerStartSetsRunStopAndConfigFlag(t *testing.T) {
	c, _ := newTestController(t, 1)

	if c.reg(usbCmd)&cmdRunStop == 0 {
		t.Fatal("RunStop not set after Start")
	}
	if c.reg(configFlag)&configFlagFlag == 0 {
		t.Fatal("CONFIGFLAG not set after Start")
	}
}

func TestControllerStartTwiceFails(t *testing.T) {
	c, _ := newTestController(t, 1)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error starting an already-running controller")
	}
}

func TestPortStatusDecodesConnectedHighSpeed(t *testing.T) {
	c, _ := newTestController(t, 1)
	c.setReg(portSC0, portSCConnStatus|portSCEnable|portSCPortPower)

	st, err := c.PortStatus(0)
	if err != nil {
		t.Fatalf("PortStatus: %v", err)
	}
	if !st.Connected || !st.Enabled || !st.PowerOn {
		t.Fatalf("PortStatus = %+v, want connected/enabled/powered", st)
	}
	if st.Speed != usbcore.SpeedHigh {
		t.Fatalf("Speed = %v, want high", st.Speed)
	}
}

func TestPortStatusOutOfRange(t *testing.T) {
	c, _ := newTestController(t, 1)
	if _, err := c.PortStatus(1); err == nil {
		t.Fatal("expected error for out-of-range port index")
	}
}
