package virtio

import (
	"encoding/binary"
	"fmt"
)

// descriptor mirrors the 16-byte virtq descriptor layout.
type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// readDescriptor reads one descriptor from a table in guest memory.
func (m *MMIO) readDescriptor(table uint64, idx uint16) (descriptor, error) {
	var buf [16]byte
	if err := m.ramRead(buf[:], table+uint64(idx)*16); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		addr:  binary.LittleEndian.Uint64(buf[0:8]),
		len:   binary.LittleEndian.Uint32(buf[8:12]),
		flags: binary.LittleEndian.Uint16(buf[12:14]),
		next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// chain is a resolved descriptor chain: device-readable buffers followed by
// device-writable buffers.
type chain struct {
	readable []descriptor
	writable []descriptor
}

// resolveChain walks a descriptor chain starting at head, following an
// indirect table if the head descriptor names one.
func (m *MMIO) resolveChain(q *queue, head uint16) (chain, error) {
	table := q.descAddr
	idx := head

	first, err := m.readDescriptor(table, idx)
	if err != nil {
		return chain{}, err
	}

	// An indirect descriptor names a table holding the whole chain.
	if first.flags&DescFIndirect != 0 {
		if first.len%16 != 0 || first.len == 0 {
			return chain{}, fmt.Errorf("virtio: bad indirect descriptor length %d", first.len)
		}
		table = first.addr
		idx = 0
	}

	var ch chain
	seenWrite := false

	for {
		desc, err := m.readDescriptor(table, idx)
		if err != nil {
			return chain{}, err
		}
		if desc.flags&DescFIndirect != 0 {
			return chain{}, fmt.Errorf("virtio: nested indirect descriptor")
		}

		if desc.flags&DescFWrite != 0 {
			seenWrite = true
			ch.writable = append(ch.writable, desc)
		} else {
			if seenWrite {
				return chain{}, fmt.Errorf("virtio: readable descriptor after writable")
			}
			ch.readable = append(ch.readable, desc)
		}

		if desc.flags&DescFNext == 0 {
			break
		}
		idx = desc.next
	}

	return ch, nil
}

// gatherReadable concatenates the chain's device-readable buffers.
func (m *MMIO) gatherReadable(ch chain) ([]byte, error) {
	var total uint32
	for _, d := range ch.readable {
		total += d.len
	}
	buf := make([]byte, total)
	off := 0
	for _, d := range ch.readable {
		if err := m.ramRead(buf[off:off+int(d.len)], d.addr); err != nil {
			return nil, err
		}
		off += int(d.len)
	}
	return buf, nil
}

// scatterWritable distributes data across the chain's device-writable
// buffers and returns the number of bytes written.
func (m *MMIO) scatterWritable(ch chain, data []byte) (uint32, error) {
	var written uint32
	for _, d := range ch.writable {
		if len(data) == 0 {
			break
		}
		n := min(len(data), int(d.len))
		if err := m.ramWrite(data[:n], d.addr); err != nil {
			return written, err
		}
		data = data[n:]
		written += uint32(n)
	}
	if len(data) != 0 {
		return written, fmt.Errorf("virtio: chain too small for %d response bytes", len(data))
	}
	return written, nil
}

// notify handles a queue-notify register write.
func (m *MMIO) notify(queueIdx uint32) error {
	if m.DeferNotify {
		m.pending = append(m.pending, queueIdx)
		return nil
	}
	return m.process(queueIdx)
}

// CompletePending serves every deferred notification.
func (m *MMIO) CompletePending() error {
	pending := m.pending
	m.pending = nil
	for _, q := range pending {
		if err := m.process(q); err != nil {
			return err
		}
	}
	return nil
}

// process serves every chain the driver has made available since the last
// notify, then raises the used-buffer interrupt.
func (m *MMIO) process(queueIdx uint32) error {
	q := &m.queues[queueIdx]
	if q.ready == 0 {
		return fmt.Errorf("virtio: notify on queue %d before ready", queueIdx)
	}

	availIdx, err := m.readU16(q.availAddr + 2)
	if err != nil {
		return err
	}
	usedIdx, err := m.readU16(q.usedAddr + 2)
	if err != nil {
		return err
	}

	processed := false

	for usedIdx != availIdx {
		ringSlot := uint64(uint32(usedIdx) % q.num)
		head, err := m.readU16(q.availAddr + 4 + ringSlot*2)
		if err != nil {
			return err
		}

		ch, err := m.resolveChain(q, head)
		if err != nil {
			return err
		}

		read, err := m.gatherReadable(ch)
		if err != nil {
			return err
		}

		var writeLen int
		for _, d := range ch.writable {
			writeLen += int(d.len)
		}

		resp, err := m.backend.Request(read, writeLen)
		if err != nil {
			return fmt.Errorf("virtio: backend request: %w", err)
		}

		written, err := m.scatterWritable(ch, resp)
		if err != nil {
			return err
		}

		// Publish the used element, then advance used.idx.
		var elem [8]byte
		binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
		binary.LittleEndian.PutUint32(elem[4:8], written)
		if err := m.ramWrite(elem[:], q.usedAddr+4+ringSlot*8); err != nil {
			return err
		}

		usedIdx++
		var idxBuf [2]byte
		binary.LittleEndian.PutUint16(idxBuf[:], usedIdx)
		if err := m.ramWrite(idxBuf[:], q.usedAddr+2); err != nil {
			return err
		}

		processed = true
	}

	if processed {
		m.raiseInterrupt(IntUsedBuffer)
	}

	return nil
}
