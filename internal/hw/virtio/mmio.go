// Package virtio models virtio-MMIO devices on the machine side: the
// register transport, descriptor-chain walking (including indirect
// descriptors), and a block device backend. The kernel's driver in
// internal/kernel/vioblk talks to these through plain bus reads and writes.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvos/internal/hw"
)

// virtio-MMIO register offsets (version 2)
const (
	regMagic             = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
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

const mmioMagic = 0x74726976 // "virt"

// Interrupt status bits
const (
	IntUsedBuffer   = 1 << 0
	IntConfigChange = 1 << 1
)

// Descriptor flags
const (
	DescFNext     = 1
	DescFWrite    = 2
	DescFIndirect = 4
)

// Device-independent feature bits
const (
	FeatIndirectDesc = uint64(1) << 28
	FeatVersion1     = uint64(1) << 32
	FeatRingReset    = uint64(1) << 40
)

// Backend is a concrete virtio device behind the MMIO transport.
type Backend interface {
	// DeviceID returns the virtio device type (2 = block).
	DeviceID() uint32
	// DeviceFeatures returns the 64-bit feature set the device offers.
	DeviceFeatures() uint64
	// ReadConfig reads from the device-specific config space.
	ReadConfig(offset uint64, size int) uint64
	// Request handles one descriptor chain: read holds the concatenated
	// device-readable buffers, writeLen the total device-writable capacity.
	// The returned bytes are scattered into the device-writable buffers.
	Request(read []byte, writeLen int) ([]byte, error)
}

type queue struct {
	num       uint32
	ready     uint32
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
}

// MMIO is a virtio-MMIO transport in front of a Backend. Queue notify
// processes all newly available descriptor chains synchronously and raises
// the interrupt line; the kernel observes the interrupt at its next
// interrupt-enable point.
type MMIO struct {
	ram     *hw.MemoryRegion
	backend Backend

	deviceFeaturesSel uint32
	driverFeatures    uint64
	driverFeaturesSel uint32
	queueSel          uint32
	queues            [8]queue
	intStatus         uint32
	status            uint32

	// OnInterrupt drives the PLIC source line
	OnInterrupt func(pending bool)

	// DeferNotify queues notifications instead of processing them inline;
	// CompletePending runs them later. Models a device that takes time to
	// serve requests, so driver sleep paths can be exercised.
	DeferNotify bool
	pending     []uint32
}

// NewMMIO creates a virtio-MMIO transport over guest RAM.
func NewMMIO(ram *hw.MemoryRegion, backend Backend) *MMIO {
	m := &MMIO{ram: ram, backend: backend}
	for i := range m.queues {
		m.queues[i].num = 1
	}
	return m
}

// Size implements hw.Device
func (m *MMIO) Size() uint64 {
	return hw.VirtIOSize
}

// ramRead copies from a guest physical address.
func (m *MMIO) ramRead(buf []byte, addr uint64) error {
	if _, err := m.ram.ReadAt(buf, int64(addr-hw.RAMBase)); err != nil {
		return fmt.Errorf("virtio: read guest memory at 0x%x: %w", addr, err)
	}
	return nil
}

// ramWrite copies to a guest physical address.
func (m *MMIO) ramWrite(buf []byte, addr uint64) error {
	if _, err := m.ram.WriteAt(buf, int64(addr-hw.RAMBase)); err != nil {
		return fmt.Errorf("virtio: write guest memory at 0x%x: %w", addr, err)
	}
	return nil
}

func (m *MMIO) readU16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := m.ramRead(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// Read implements hw.Device
func (m *MMIO) Read(offset uint64, size int) (uint64, error) {
	if offset >= regConfig {
		return m.backend.ReadConfig(offset-regConfig, size), nil
	}

	var val uint32

	switch offset {
	case regMagic:
		val = mmioMagic
	case regVersion:
		val = 2
	case regDeviceID:
		val = m.backend.DeviceID()
	case regVendorID:
		val = 0xffff
	case regDeviceFeatures:
		features := m.backend.DeviceFeatures()
		switch m.deviceFeaturesSel {
		case 0:
			val = uint32(features)
		case 1:
			val = uint32(features >> 32)
		}
	case regQueueNumMax:
		val = 0x10
	case regQueueNum:
		val = m.queues[m.queueSel].num
	case regQueueReady:
		val = m.queues[m.queueSel].ready
	case regInterruptStatus:
		val = m.intStatus
	case regStatus:
		val = m.status
	default:
		return 0, nil
	}

	return uint64(val), nil
}

// Write implements hw.Device
func (m *MMIO) Write(offset uint64, size int, value uint64) error {
	val := uint32(value)

	switch offset {
	case regDeviceFeaturesSel:
		m.deviceFeaturesSel = val
	case regDriverFeaturesSel:
		m.driverFeaturesSel = val
	case regDriverFeatures:
		switch m.driverFeaturesSel {
		case 0:
			m.driverFeatures = (m.driverFeatures &^ uint64(0xffff_ffff)) | uint64(val)
		case 1:
			m.driverFeatures = (m.driverFeatures & 0xffff_ffff) | uint64(val)<<32
		}
	case regQueueSel:
		if val < uint32(len(m.queues)) {
			m.queueSel = val
		}
	case regQueueNum:
		if val > 0 && val&(val-1) == 0 {
			m.queues[m.queueSel].num = val
		}
	case regQueueReady:
		q := &m.queues[m.queueSel]
		q.ready = val & 1
		if q.ready == 0 {
			// ring reset
			q.descAddr = 0
			q.availAddr = 0
			q.usedAddr = 0
		}
	case regQueueNotify:
		if val < uint32(len(m.queues)) {
			if err := m.notify(val); err != nil {
				return err
			}
		}
	case regInterruptAck:
		m.intStatus &^= val
		if m.intStatus == 0 && m.OnInterrupt != nil {
			m.OnInterrupt(false)
		}
	case regStatus:
		if val == 0 {
			m.reset()
		}
		m.status = val
	case regQueueDescLow:
		m.queues[m.queueSel].descAddr = uint64(val)
	case regQueueDescHigh:
		m.queues[m.queueSel].descAddr |= uint64(val) << 32
	case regQueueAvailLow:
		m.queues[m.queueSel].availAddr = uint64(val)
	case regQueueAvailHigh:
		m.queues[m.queueSel].availAddr |= uint64(val) << 32
	case regQueueUsedLow:
		m.queues[m.queueSel].usedAddr = uint64(val)
	case regQueueUsedHigh:
		m.queues[m.queueSel].usedAddr |= uint64(val) << 32
	}

	return nil
}

// reset returns the transport to its post-attach state.
func (m *MMIO) reset() {
	for i := range m.queues {
		m.queues[i] = queue{num: 1}
	}
	m.intStatus = 0
	m.driverFeatures = 0
	if m.OnInterrupt != nil {
		m.OnInterrupt(false)
	}
}

// raiseInterrupt sets an interrupt status bit and asserts the line.
func (m *MMIO) raiseInterrupt(bit uint32) {
	m.intStatus |= bit
	if m.OnInterrupt != nil {
		m.OnInterrupt(true)
	}
}

var _ hw.Device = (*MMIO)(nil)
