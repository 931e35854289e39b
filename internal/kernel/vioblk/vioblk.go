// Package vioblk is the guest-side virtio block driver: a one-transaction
// request queue with an indirect descriptor chain, interrupt-driven
// completion, and a sleep lock serializing transactions.
package vioblk

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/kernel/dev"
	"github.com/tinyrange/rvos/internal/kernel/irq"
	"github.com/tinyrange/rvos/internal/kernel/kio"
	"github.com/tinyrange/rvos/internal/kernel/mem"
	"github.com/tinyrange/rvos/internal/kernel/sched"
)

// virtio-MMIO registers used by the driver
const (
	regMagic             = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfig            = 0x100
)

// Device status bits
const (
	statAcknowledge = 1
	statDriver      = 2
	statDriverOK    = 4
	statFeaturesOK  = 8
)

// Feature bits (number positions in the 64-bit feature set)
const (
	featBlkSize      = 6
	featTopology     = 10
	featIndirectDesc = 28
	featVersion1     = 32
	featRingReset    = 40
)

// Descriptor flags
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

// Request types and status values
const (
	reqTypeIn  = 0
	reqTypeOut = 1

	reqStatusOK     = 0
	reqStatusIOErr  = 1
	reqStatusUnsupp = 2
)

const sectorSize = 512

// Virtqueue layout within the driver's queue page. The first descriptor is
// the indirect one published in the avail ring; descriptors 1..3 form the
// indirect table: header, data, status.
const (
	vqDesc   = 0x000
	vqAvail  = 0x040 // flags u16, idx u16, ring[1] u16
	vqUsed   = 0x050 // flags u16, idx u16, ring[1] {id u32, len u32}
	vqHeader = 0x060 // type u32, reserved u32, sector u64
	vqStatus = 0x070
	vqBuf    = 0x200
)

// Device is the driver state for one virtio block device.
type Device struct {
	kio.RefCount

	bus   *hw.Bus
	base  uint64
	irqno int

	instno int
	opened bool

	// blksz is the transfer unit; size the device length in bytes.
	blksz  uint32
	blkcnt uint64
	size   uint64
	pos    uint64

	// vq is the physical page holding descriptors, rings, the request
	// header, the status byte, and the block buffer.
	vq uintptr

	// usedUpdated is signalled from the ISR when the device advances
	// used.idx.
	usedUpdated sched.Condition

	// lock serializes transactions; the descriptor ring has capacity one.
	lock sched.Lock
}

func (d *Device) reg32(off uint64) uint32 {
	v, _ := d.bus.Read32(d.base + off)
	return v
}

func (d *Device) setReg32(off uint64, v uint32) {
	d.bus.Write32(d.base+off, v)
}

// deviceFeatures reads the full 64-bit device feature set.
func (d *Device) deviceFeatures() uint64 {
	d.setReg32(regDeviceFeaturesSel, 0)
	lo := d.reg32(regDeviceFeatures)
	d.setReg32(regDeviceFeaturesSel, 1)
	hi := d.reg32(regDeviceFeatures)
	return uint64(hi)<<32 | uint64(lo)
}

// setDriverFeatures writes the accepted feature set.
func (d *Device) setDriverFeatures(features uint64) {
	d.setReg32(regDriverFeaturesSel, 0)
	d.setReg32(regDriverFeatures, uint32(features))
	d.setReg32(regDriverFeaturesSel, 1)
	d.setReg32(regDriverFeatures, uint32(features>>32))
}

func bit(n int) uint64 { return uint64(1) << n }

// Attach initializes the block device at base, builds the descriptor chain,
// attaches the virtqueue, registers the ISR, and registers the device as
// the next "blk" instance. The device is left DRIVER_OK but with its
// interrupt masked until open.
func Attach(bus *hw.Bus, base uint64, irqno int) (*Device, error) {
	d := &Device{bus: bus, base: base, irqno: irqno}

	if d.reg32(regMagic) != 0x74726976 || d.reg32(regVersion) != 2 {
		return nil, fmt.Errorf("vioblk: no virtio-MMIO device at 0x%x", base)
	}
	if d.reg32(regDeviceID) != 2 {
		return nil, fmt.Errorf("vioblk: device at 0x%x is not a block device", base)
	}

	d.setReg32(regStatus, 0) // reset
	d.setReg32(regStatus, statAcknowledge)
	d.setReg32(regStatus, statAcknowledge|statDriver)

	// Negotiate features. We need RING_RESET and INDIRECT_DESC; we want
	// BLK_SIZE and TOPOLOGY.
	offered := d.deviceFeatures()
	needed := bit(featRingReset) | bit(featIndirectDesc) | bit(featVersion1)
	wanted := bit(featBlkSize) | bit(featTopology)

	if offered&needed != needed {
		return nil, fmt.Errorf("vioblk: required features missing: offered=0x%x", offered)
	}

	enabled := needed | offered&wanted
	d.setDriverFeatures(enabled)

	d.setReg32(regStatus, statAcknowledge|statDriver|statFeaturesOK)
	if d.reg32(regStatus)&statFeaturesOK == 0 {
		return nil, fmt.Errorf("vioblk: feature negotiation failed")
	}

	// If the device provides a block size, use it. Otherwise use 512.
	if enabled&bit(featBlkSize) != 0 {
		d.blksz = d.reg32(regConfig + 20)
	} else {
		d.blksz = sectorSize
	}

	capLo := d.reg32(regConfig + 0)
	capHi := d.reg32(regConfig + 4)
	capacity := uint64(capHi)<<32 | uint64(capLo) // in 512-byte sectors

	d.size = capacity * sectorSize
	d.blkcnt = d.size / uint64(d.blksz)

	if vqBuf+int(d.blksz) > 4096 {
		return nil, fmt.Errorf("vioblk: block size %d too large for queue page", d.blksz)
	}

	// Build the descriptor chain in a fresh physical page.
	d.vq = mem.AllocPage()
	clear(mem.PhysSlice(d.vq, 4096))

	d.writeDesc(0, uint64(d.vq)+vqDesc+16, 3*16, descFIndirect, 0)
	d.writeDesc(1, uint64(d.vq)+vqHeader, 16, descFNext, 1)
	d.writeDesc(2, uint64(d.vq)+vqBuf, d.blksz, descFNext, 2)
	d.writeDesc(3, uint64(d.vq)+vqStatus, 1, descFWrite, 0)

	// Attach the virtqueue.
	d.setReg32(regQueueSel, 0)
	d.setReg32(regQueueNum, 1)
	d.setReg32(regQueueDescLow, uint32(uint64(d.vq)+vqDesc))
	d.setReg32(regQueueDescHigh, uint32((uint64(d.vq)+vqDesc)>>32))
	d.setReg32(regQueueAvailLow, uint32(uint64(d.vq)+vqAvail))
	d.setReg32(regQueueAvailHigh, uint32((uint64(d.vq)+vqAvail)>>32))
	d.setReg32(regQueueUsedLow, uint32(uint64(d.vq)+vqUsed))
	d.setReg32(regQueueUsedHigh, uint32((uint64(d.vq)+vqUsed)>>32))
	d.setReg32(regQueueReady, 1)

	gate := irq.Disable()
	d.usedUpdated.Init("vioblk.used_updated")
	irq.Restore(gate)
	d.lock.Init("vioblk")

	irq.RegisterISR(irqno, 1, d.isr)

	d.instno = dev.Register("blk", func() (kio.Intf, error) {
		return d.open()
	})

	d.setReg32(regStatus, statAcknowledge|statDriver|statFeaturesOK|statDriverOK)

	return d, nil
}

// writeDesc fills descriptor i in the queue page.
func (d *Device) writeDesc(i int, addr uint64, length uint32, flags uint16, next uint16) {
	buf := mem.PhysSlice(d.vq+vqDesc+uintptr(i)*16, 16)
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
}

func (d *Device) availIdx() uint16 {
	return binary.LittleEndian.Uint16(mem.PhysSlice(d.vq+vqAvail+2, 2))
}

func (d *Device) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(mem.PhysSlice(d.vq+vqUsed+2, 2))
}

// open enables the virtqueue interrupt and hands out the IO interface.
func (d *Device) open() (kio.Intf, error) {
	if d.opened {
		return nil, kio.ErrInvalid
	}

	d.InitRef()
	d.opened = true

	d.setReg32(regQueueSel, 0)
	d.setReg32(regQueueReady, 1)
	irq.EnableIRQ(d.irqno)

	return d, nil
}

// Close implements kio.Intf. The last reference resets the virtqueue. Must
// be called with interrupts enabled so no completion is pending.
func (d *Device) Close() {
	if d.Release() {
		irq.DisableIRQ(d.irqno)
		d.setReg32(regQueueSel, 0)
		d.setReg32(regQueueReady, 0)
		d.opened = false
	}
}

// submit runs one transaction: publish the descriptor chain for the given
// request type and sector, notify the device, and sleep on usedUpdated
// until the device catches up, then check the status byte.
func (d *Device) submit(typ uint32, sector uint64) error {
	// Fill the request header.
	hdr := mem.PhysSlice(d.vq+vqHeader, 16)
	binary.LittleEndian.PutUint32(hdr[0:4], typ)
	binary.LittleEndian.PutUint32(hdr[4:8], 0)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)

	// The data descriptor is device-writable for reads only.
	flags := uint16(descFNext)
	if typ == reqTypeIn {
		flags |= descFWrite
	}
	d.writeDesc(2, uint64(d.vq)+vqBuf, d.blksz, flags, 2)

	// Publish: head slot, then advance avail.idx.
	binary.LittleEndian.PutUint16(mem.PhysSlice(d.vq+vqAvail+4, 2), 0)
	binary.LittleEndian.PutUint16(mem.PhysSlice(d.vq+vqAvail+2, 2), d.availIdx()+1)

	d.setReg32(regQueueNotify, 0)

	gate := irq.Disable()
	for d.usedIdx() != d.availIdx() {
		d.usedUpdated.Wait()
	}
	irq.Restore(gate)

	if mem.PhysSlice(d.vq+vqStatus, 1)[0] != reqStatusOK {
		return kio.ErrIO
	}
	return nil
}

// sectorOf converts a block number to a 512-byte sector number.
func (d *Device) sectorOf(blkno uint64) uint64 {
	return blkno * uint64(d.blksz) / sectorSize
}

// Read implements kio.Intf: bounded, block-at-a-time reads through the
// device buffer. The calling thread sleeps while the device works.
func (d *Device) Read(p []byte) (int, error) {
	if !d.opened || d.pos >= d.size || len(p) == 0 {
		return 0, nil
	}

	d.lock.Acquire()
	defer d.lock.Release()

	if rem := d.size - d.pos; uint64(len(p)) > rem {
		p = p[:rem]
	}

	read := 0
	for read < len(p) {
		blkno := d.pos / uint64(d.blksz)
		off := int(d.pos % uint64(d.blksz))

		if err := d.submit(reqTypeIn, d.sectorOf(blkno)); err != nil {
			return read, err
		}

		n := min(int(d.blksz)-off, len(p)-read)
		copy(p[read:read+n], mem.PhysSlice(d.vq+vqBuf+uintptr(off), n))

		read += n
		d.pos += uint64(n)
	}

	return read, nil
}

// Write implements kio.Intf. Partial-block writes at the head or tail of
// the range read-modify-write through the device buffer; whole-block
// writes skip the read.
func (d *Device) Write(p []byte) (int, error) {
	if !d.opened || d.pos >= d.size {
		return 0, nil
	}

	d.lock.Acquire()
	defer d.lock.Release()

	if rem := d.size - d.pos; uint64(len(p)) > rem {
		p = p[:rem]
	}

	written := 0
	for written < len(p) {
		blkno := d.pos / uint64(d.blksz)
		off := int(d.pos % uint64(d.blksz))
		n := min(int(d.blksz)-off, len(p)-written)

		if off > 0 || n < int(d.blksz) {
			// Partial block: fetch the current contents first.
			if err := d.submit(reqTypeIn, d.sectorOf(blkno)); err != nil {
				return written, err
			}
		}

		copy(mem.PhysSlice(d.vq+vqBuf+uintptr(off), n), p[written:written+n])

		if err := d.submit(reqTypeOut, d.sectorOf(blkno)); err != nil {
			return written, err
		}

		written += n
		d.pos += uint64(n)
	}

	return written, nil
}

// Ctl implements kio.Intf with single-command dispatch.
func (d *Device) Ctl(cmd int, arg *uint64) error {
	if arg == nil {
		return kio.ErrInvalid
	}

	switch cmd {
	case kio.IoctlGetLen:
		*arg = d.size
		return nil
	case kio.IoctlGetPos:
		*arg = d.pos
		return nil
	case kio.IoctlSetPos:
		if *arg > d.size {
			return kio.ErrBadPosition
		}
		// A transaction in flight still uses pos; wait for it to finish.
		d.lock.Acquire()
		d.pos = *arg
		d.lock.Release()
		return nil
	case kio.IoctlGetBlkSz:
		*arg = uint64(d.blksz)
		return nil
	}

	return kio.ErrUnsupported
}

// isr acknowledges the device interrupt and wakes the waiting transaction.
// Both the used-buffer and configuration-change bits broadcast, the latter
// conservatively.
func (d *Device) isr(int) {
	status := d.reg32(regInterruptStatus)

	if status&1 != 0 {
		d.usedUpdated.Broadcast()
		d.setReg32(regInterruptAck, 1)
	}
	if status&2 != 0 {
		d.usedUpdated.Broadcast()
		d.setReg32(regInterruptAck, 2)
	}
}

var _ kio.Intf = (*Device)(nil)
