package ehci

import (
	"github.com/ardnew/usbhcd/internal/pma"
	"github.com/ardnew/usbhcd/pkg"
	"github.com/ardnew/usbhcd/usbcore"
)

// iTD token bits (EHCI Spec 3.2).
const (
	itdTOffsetShift = 0
	itdTOffsetMask  = 0x0fff
	itdIOC          = 1 << 15
	itdPGShift      = 12
	itdPGMask       = 0x07
	itdTLengthShift = 16
	itdTLengthMask  = 0x0fff
	itdStatusShift  = 28
	itdStatusMask   = 0xf
	itdStatusActive = 1 << 3
	itdStatusBuffer = 1 << 2
	itdStatusBabble = 1 << 1
	itdStatusTError = 1 << 0

	itdAddressMask  = 0x7f
	itdEndpointShift = 8
	itdEndpointMask  = 0xf
	itdDirShift      = 11
	itdMulMask       = 0x3
	itdBufferPointerShift = 12
	itdMaxPacketSizeMask  = 0x7ff
)

// itdSize: next_phy(4) + token[8](32) + buffer_phy[7](28) = 64 bytes.
const itdSize = 4 + 8*4 + 7*4

// iTD is one isochronous transfer descriptor: up to 8 token slots, one
// per microframe, each describing one packet.
type iTD struct {
	buf pma.Buffer

	nextLog *iTD
	prevLog *iTD
}

func (it *iTD) Phys() uintptr { return it.buf.Physical }

func newITD(allocate func(int) (pma.Buffer, error)) (*iTD, error) {
	buf, err := allocate(itdSize)
	if err != nil {
		return nil, err
	}
	buf.Zero()
	return &iTD{buf: buf}, nil
}

func (it *iTD) setNextPhys(phys uintptr, itemType uint32, terminate bool) {
	putUint32(it.buf.Logical[0:4], linkWordFor(phys, itemType, terminate))
}

// setBufferPointer0 encodes buffer_phy[0]: device address, endpoint
// number, and direction; setBufferPointer1 encodes max packet size and
// MULT into buffer_phy[1] (EHCI Spec 3.2, first two buffer_phy words
// double as endpoint identity).
func (it *iTD) setBufferPointer0(pipe *usbcore.Pipe) {
	v := uint32(pipe.DeviceAddress() & itdAddressMask)
	v |= uint32(pipe.EndpointNumber()&itdEndpointMask) << itdEndpointShift
	if pipe.Direction() == usbcore.DirectionIn {
		v |= 1 << itdDirShift
	}
	putUint32(it.buf.Logical[4+8*4:4+8*4+4], v)
}

func (it *iTD) setBufferPointer1(maxPacketSize uint16, mult uint8) {
	v := uint32(maxPacketSize) & itdMaxPacketSizeMask
	v |= uint32(mult&itdMulMask) << 11
	putUint32(it.buf.Logical[4+8*4+4:4+8*4+8], v)
}

// setToken fills token slot i (0..7) with a packet descriptor.
func (it *iTD) setToken(slot int, page int, offset int, length int, ioc bool) {
	v := uint32(offset&itdTOffsetMask) << itdTOffsetShift
	v |= uint32(page&itdPGMask) << itdPGShift
	v |= uint32(length&itdTLengthMask) << itdTLengthShift
	if ioc {
		v |= itdIOC
	}
	v |= itdStatusActive << itdStatusShift
	putUint32(it.buf.Logical[4+slot*4:4+slot*4+4], v)
}

func (it *iTD) tokenStatus(slot int) uint32 {
	v := getUint32(it.buf.Logical[4+slot*4 : 4+slot*4+4])
	return (v >> itdStatusShift) & itdStatusMask
}

func (it *iTD) tokenLength(slot int) int {
	v := getUint32(it.buf.Logical[4+slot*4 : 4+slot*4+4])
	return int((v >> itdTLengthShift) & itdTLengthMask)
}

func (it *iTD) setBufferPage(page int, phys uintptr) {
	if page < 0 || page > 6 {
		return
	}
	off := 4 + 8*4 + page*4
	v := getUint32(it.buf.Logical[off:off+4]) &^ qtdPageMask
	putUint32(it.buf.Logical[off:off+4], v|uint32(phys)&qtdPageMask)
}

func (it *iTD) free() error { return it.buf.Free() }

// startingFrame chooses the virtual frame to begin an isochronous
// transfer at, per spec.md §4.3: caller-specified, or derived from
// FRINDEX plus a threshold (10 if HCCPARAMS frame-cache bit is set, else
// 2+IPT), masked to the 128-entry virtual frame list.
func startingFrame(requested int, hasRequested bool, frIndex uint32, hccParams uint32) int {
	if hasRequested {
		return requested & (virtualFrameListCount - 1)
	}
	threshold := 2 + int(hccParamsIPT(hccParams))
	if hccParamsFrameCacheSet(hccParams) {
		threshold = 10
	}
	return (int(frIndex)/8 + threshold) & (virtualFrameListCount - 1)
}

// ReserveBandwidth subtracts microseconds from the per-virtual-frame
// budget for each frame an iso transfer will occupy, returning
// [pkg.ErrBandwidth] if any frame in the span is already exhausted
// (spec.md §4.3: "Bandwidth per iTD is subtracted from
// fFrameBandwidth[frame]").
func (ps *PeriodicSchedule) ReserveBandwidth(startFrame, frameCount, microsecondsPerFrame int) error {
	for i := 0; i < frameCount; i++ {
		frame := (startFrame + i) % virtualFrameListCount
		if ps.frameBandwidth[frame] < microsecondsPerFrame {
			return pkg.ErrBandwidth
		}
	}
	for i := 0; i < frameCount; i++ {
		frame := (startFrame + i) % virtualFrameListCount
		ps.frameBandwidth[frame] -= microsecondsPerFrame
	}
	return nil
}

// ReleaseBandwidth is the inverse of ReserveBandwidth, called when an
// isochronous transfer's iTDs are retired.
func (ps *PeriodicSchedule) ReleaseBandwidth(startFrame, frameCount, microsecondsPerFrame int) {
	for i := 0; i < frameCount; i++ {
		frame := (startFrame + i) % virtualFrameListCount
		ps.frameBandwidth[frame] += microsecondsPerFrame
		if ps.frameBandwidth[frame] > maxAvailableBandwidth {
			ps.frameBandwidth[frame] = maxAvailableBandwidth
		}
	}
}
