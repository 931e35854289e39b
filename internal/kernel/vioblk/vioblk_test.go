package vioblk_test

import (
	"bytes"
	"testing"

	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/hw/virtio"
	"github.com/tinyrange/rvos/internal/kernel"
	"github.com/tinyrange/rvos/internal/kernel/dev"
	"github.com/tinyrange/rvos/internal/kernel/kfs"
	"github.com/tinyrange/rvos/internal/kernel/kio"
	"github.com/tinyrange/rvos/internal/kernel/sched"
)

// bootWithDisk brings the kernel up with a virtio block device over the
// given image.
func bootWithDisk(t *testing.T, img []byte) (*hw.Machine, *virtio.Block, *virtio.MMIO) {
	t.Helper()

	m := hw.NewMachine(hw.Options{MemoryMB: 16})
	block := virtio.NewBlock(img)
	mmio := virtio.NewMMIO(m.RAM(), block)
	_, irqno := m.AddVirtIO(mmio)
	mmio.OnInterrupt = m.IRQLine(irqno)

	if err := kernel.Boot(m); err != nil {
		t.Fatalf("boot: %v", err)
	}
	return m, block, mmio
}

func patternImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i % 251)
	}
	return img
}

func TestAttachAndGeometry(t *testing.T) {
	bootWithDisk(t, patternImage(64*1024))

	blk, err := dev.Open("blk", 0)
	if err != nil {
		t.Fatalf("open blk0: %v", err)
	}
	defer blk.Close()

	length, err := kio.Len(blk)
	if err != nil || length != 64*1024 {
		t.Fatalf("length: %d (%v)", length, err)
	}

	bs, err := kio.BlockSize(blk)
	if err != nil || bs != 512 {
		t.Fatalf("block size: %d (%v)", bs, err)
	}
}

func TestReadAcrossBlocks(t *testing.T) {
	img := patternImage(64 * 1024)
	bootWithDisk(t, img)

	blk, err := dev.Open("blk", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer blk.Close()

	// Unaligned offset, length spanning several 512-byte transfers.
	if err := kio.Seek(blk, 1000); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2000)
	n, err := kio.ReadFull(blk, buf)
	if err != nil || n != len(buf) {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, img[1000:3000]) {
		t.Error("read contents differ from image")
	}

	var pos uint64
	if err := blk.Ctl(kio.IoctlGetPos, &pos); err != nil || pos != 3000 {
		t.Errorf("pos after read: %d (%v)", pos, err)
	}
}

// Partial-block writes read-modify-write; surrounding bytes survive.
func TestWriteReadModifyWrite(t *testing.T) {
	img := patternImage(16 * 1024)
	want := bytes.Clone(img)

	_, block, _ := bootWithDisk(t, img)

	blk, err := dev.Open("blk", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer blk.Close()

	// An unaligned write entirely inside one block.
	payload := []byte("partial update")
	copy(want[700:], payload)

	if err := kio.Seek(blk, 700); err != nil {
		t.Fatal(err)
	}
	if _, err := kio.WriteFull(blk, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	// An unaligned write spanning a block boundary.
	payload2 := bytes.Repeat([]byte{0x5a}, 600)
	copy(want[1500:], payload2)

	if err := kio.Seek(blk, 1500); err != nil {
		t.Fatal(err)
	}
	if _, err := kio.WriteFull(blk, payload2); err != nil {
		t.Fatalf("spanning write: %v", err)
	}

	// A fully aligned block write.
	payload3 := bytes.Repeat([]byte{0x11}, 512)
	copy(want[4096:], payload3)

	if err := kio.Seek(blk, 4096); err != nil {
		t.Fatal(err)
	}
	if _, err := kio.WriteFull(blk, payload3); err != nil {
		t.Fatalf("aligned write: %v", err)
	}

	if !bytes.Equal(block.Contents(), want) {
		t.Error("device contents diverged from expectation")
	}
}

func TestBoundsAndSeek(t *testing.T) {
	bootWithDisk(t, patternImage(4096))

	blk, err := dev.Open("blk", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer blk.Close()

	if err := kio.Seek(blk, 5000); err == nil {
		t.Error("seek past device end should fail")
	}

	// Reads clamp at the device size.
	if err := kio.Seek(blk, 4000); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 200)
	n, err := kio.ReadFull(blk, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 96 {
		t.Errorf("clamped read: expected 96 bytes, got %d", n)
	}
}

// A thread sleeping on the device's completion condition resumes when the
// interrupt finally arrives.
func TestSleepUntilCompletion(t *testing.T) {
	img := patternImage(8 * 1024)
	_, _, mmio := bootWithDisk(t, img)

	mmio.DeferNotify = true

	blk, err := dev.Open("blk", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer blk.Close()

	var got []byte
	reader := sched.Spawn("blkreader", func(any) {
		buf := make([]byte, 512)
		if _, err := kio.ReadFull(blk, buf); err != nil {
			t.Errorf("read: %v", err)
		}
		got = buf
	}, nil)

	// The reader is now blocked waiting for used.idx to advance. Serve
	// the request from the device side and let the interrupt wake it.
	sched.Yield()
	if err := mmio.CompletePending(); err != nil {
		t.Fatalf("CompletePending: %v", err)
	}

	if _, err := sched.Join(reader); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !bytes.Equal(got, img[:512]) {
		t.Error("deferred read returned wrong data")
	}
}

// Two threads read distinct offsets through the shared one-slot queue; the
// sleep lock keeps the transactions from interleaving.
func TestConcurrentReaders(t *testing.T) {
	img := patternImage(32 * 1024)
	_, _, mmio := bootWithDisk(t, img)

	mmio.DeferNotify = true

	blk, err := dev.Open("blk", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer blk.Close()

	read := func(off uint64, n int) []byte {
		if err := kio.Seek(blk, off); err != nil {
			t.Errorf("seek %d: %v", off, err)
			return nil
		}
		buf := make([]byte, n)
		if _, err := kio.ReadFull(blk, buf); err != nil {
			t.Errorf("read at %d: %v", off, err)
		}
		return buf
	}

	var buf1, buf2 []byte
	var done1, done2 bool
	t1 := sched.Spawn("r1", func(any) { buf1 = read(0, 4096); done1 = true }, nil)
	t2 := sched.Spawn("r2", func(any) { buf2 = read(8192, 4096); done2 = true }, nil)

	// Drive completions until both readers finish.
	for i := 0; !done1 || !done2; i++ {
		if i > 1000 {
			t.Fatal("readers did not finish")
		}
		if err := mmio.CompletePending(); err != nil {
			t.Fatalf("CompletePending: %v", err)
		}
		sched.Yield()
	}

	if _, err := sched.Join(t1); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Join(t2); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf1, img[:4096]) {
		t.Error("reader 1 got wrong data")
	}
	if !bytes.Equal(buf2, img[8192:8192+4096]) {
		t.Error("reader 2 got wrong data")
	}
}

// The whole storage stack: flat filesystem mounted over the virtio driver.
func TestFilesystemOverVioblk(t *testing.T) {
	img, err := kfs.BuildImage([]kfs.FileEntry{
		{Name: "hello.txt", Data: []byte("Hello, world\n")},
	})
	if err != nil {
		t.Fatal(err)
	}

	bootWithDisk(t, img)

	if err := kernel.MountRoot(); err != nil {
		t.Fatalf("MountRoot: %v", err)
	}

	f, err := kernel.RootFS().Open("hello.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	// Scenario: read, overwrite the head, read again.
	buf := make([]byte, 13)
	if _, err := kio.ReadFull(f, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "Hello, world\n" {
		t.Fatalf("first read: %q", buf)
	}

	if err := kio.Seek(f, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := kio.WriteFull(f, []byte("HELLO")); err != nil {
		t.Fatal(err)
	}

	if err := kio.Seek(f, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := kio.ReadFull(f, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "HELLO, world\n" {
		t.Errorf("after write: %q", buf)
	}
}
