// Package virtio implements the legacy MMIO split-ring driver for the
// block and entropy devices: component I of the kernel core. There is no
// real bus or interrupt line in this module, so the "device side" of the
// queue is a synchronous, in-process backend: WriteQueueNotify drains the
// available ring immediately rather than an interrupt eventually firing.
// The driver logic above that line — register handshake, descriptor
// chaining, busy-wait completion — is exercised exactly as it would be
// against real virtio-mmio hardware.
package virtio

import (
	"crypto/rand"
	"encoding/binary"
	"unsafe"

	"defs"
	"limits"
	"mem"
)

const (
	magicValue    = 0x74726976
	versionLegacy = 1

	deviceIDBlock   = 2
	deviceIDEntropy = 4
)

// DeviceStatus bits (component I register map).
const (
	statusAcknowledge      uint32 = 1 << 0
	statusDriver           uint32 = 1 << 1
	statusDriverOK         uint32 = 1 << 2
	statusFeaturesOK       uint32 = 1 << 3
	statusDeviceNeedsReset uint32 = 1 << 6
	statusFailed           uint32 = 1 << 7
)

// Descriptor flag bits.
const (
	flagNext     uint16 = 1 << 0
	flagWrite    uint16 = 1 << 1
	flagIndirect uint16 = 1 << 2
)

const queueSize = limits.QueueSize

// descriptor is one entry of the split queue's descriptor table.
type descriptor struct {
	Address uint64
	Length  uint32
	Flags   uint16
	Next    uint16
}

type availableRing struct {
	Flags uint16
	Index uint16
	Ring  [queueSize]uint16
}

type usedElement struct {
	Index  uint32
	Length uint32
}

type usedRing struct {
	Flags uint16
	Index uint16
	Ring  [queueSize]usedElement
}

// VirtQueue is the page-aligned record a virtio queue lives in: a fixed
// descriptor table plus the available and used rings. The driver and its
// simulated device both address this through the same physical page, the
// way a driver and real hardware would.
type VirtQueue struct {
	Descriptors [queueSize]descriptor
	Available   availableRing
	Used        usedRing
}

func queueAt(pa mem.Pa_t) *VirtQueue {
	b := mem.Bytes(pa, int(unsafe.Sizeof(VirtQueue{})))
	return (*VirtQueue)(unsafe.Pointer(&b[0]))
}

// Registers is the legacy MMIO register file component I exposes. The
// simulated backend in this package stands in for a real memory-mapped
// window the same way mem's RAM arena stands in for real DRAM.
type Registers interface {
	ReadMagic() uint32
	ReadVersion() uint32
	ReadDeviceID() uint32
	ReadDeviceFeatures() uint32
	ReadCapacity() uint64

	WriteDeviceStatus(v uint32)
	ReadDeviceStatus() uint32

	WriteQueueSelect(v uint32)
	WriteQueueSize(v uint32)
	ReadQueueReady() uint32
	WriteQueuePfn(v uint32)
	WriteQueueReady(v uint32)
	WriteQueueNotify(v uint32)
}

// simulatedRegisters is the "device side" backend: a register file that
// processes the available ring synchronously from within
// WriteQueueNotify, using process to interpret and service each
// descriptor chain.
type simulatedRegisters struct {
	deviceID uint32
	capacity uint64

	status      uint32
	queueSelect uint32
	queueReady  uint32
	queuePfn    uint32

	process func(chain []descriptor) uint32
}

func (r *simulatedRegisters) ReadMagic() uint32          { return magicValue }
func (r *simulatedRegisters) ReadVersion() uint32        { return versionLegacy }
func (r *simulatedRegisters) ReadDeviceID() uint32       { return r.deviceID }
func (r *simulatedRegisters) ReadDeviceFeatures() uint32 { return 0 }
func (r *simulatedRegisters) ReadCapacity() uint64       { return r.capacity }

func (r *simulatedRegisters) WriteDeviceStatus(v uint32) { r.status = v }
func (r *simulatedRegisters) ReadDeviceStatus() uint32   { return r.status }

func (r *simulatedRegisters) WriteQueueSelect(v uint32) { r.queueSelect = v }
func (r *simulatedRegisters) WriteQueueSize(uint32)     {}
func (r *simulatedRegisters) ReadQueueReady() uint32    { return r.queueReady }
func (r *simulatedRegisters) WriteQueuePfn(v uint32)    { r.queuePfn = v }
func (r *simulatedRegisters) WriteQueueReady(v uint32)  { r.queueReady = v }

// WriteQueueNotify drains every newly-available descriptor chain,
// services it via process, and advances the used ring — the synchronous
// stand-in for the bus transaction and interrupt a real device would use.
func (r *simulatedRegisters) WriteQueueNotify(uint32) {
	queue := queueAt(mem.Pa_t(r.queuePfn) * mem.Pa_t(mem.PGSIZE))
	avail := &queue.Available
	used := &queue.Used
	for used.Index != avail.Index {
		head := avail.Ring[used.Index%queueSize]
		chain := gatherChain(queue, head)
		length := r.process(chain)
		used.Ring[used.Index%queueSize] = usedElement{Index: uint32(head), Length: length}
		used.Index++
	}
}

// gatherChain follows the Next links starting at head, returning the
// descriptors in chain order.
func gatherChain(queue *VirtQueue, head uint16) []descriptor {
	var chain []descriptor
	idx := head
	for {
		d := queue.Descriptors[idx]
		chain = append(chain, d)
		if d.Flags&flagNext == 0 {
			break
		}
		idx = d.Next
	}
	return chain
}

// Virtio is the driver shared by the block and entropy clients: the init
// handshake and submit-and-wait machinery from component I.
type Virtio struct {
	regs  Registers
	phys  *mem.Phys
	queue *VirtQueue
	pfn   uint32
}

func initVirtio(phys *mem.Phys, regs Registers, wantDeviceID uint32) (*Virtio, defs.Err_t) {
	v := &Virtio{regs: regs, phys: phys}

	// 1. Reset.
	regs.WriteDeviceStatus(0)
	// 2. Acknowledge.
	regs.WriteDeviceStatus(statusAcknowledge)
	// 3. Acknowledge|Driver.
	regs.WriteDeviceStatus(statusAcknowledge | statusDriver)

	if regs.ReadMagic() != magicValue {
		panic("virtio: bad magic value")
	}
	if regs.ReadVersion() != versionLegacy {
		panic("virtio: unsupported version")
	}
	if regs.ReadDeviceID() != wantDeviceID {
		panic("virtio: device id mismatch at fixed MMIO address")
	}
	// The core currently understands no optional features, so there is
	// nothing to select; any advertised feature is simply left unused.
	_ = regs.ReadDeviceFeatures()

	// 5. Acknowledge|Driver|FeaturesOk.
	regs.WriteDeviceStatus(statusAcknowledge | statusDriver | statusFeaturesOK)
	if regs.ReadDeviceStatus()&statusFeaturesOK == 0 {
		panic("virtio: device rejected FeaturesOk")
	}

	if err := v.initializeQueue(0); err != defs.ErrNone {
		return nil, err
	}

	// 7. Acknowledge|Driver|FeaturesOk|DriverOk.
	regs.WriteDeviceStatus(statusAcknowledge | statusDriver | statusFeaturesOK | statusDriverOK)
	status := regs.ReadDeviceStatus()
	if status&statusFailed != 0 {
		panic("virtio: device reports Failed")
	}
	if status&statusDeviceNeedsReset != 0 {
		panic("virtio: device needs reset during init")
	}

	return v, defs.ErrNone
}

// initializeQueue selects queueNum, checks it isn't already active,
// allocates a fresh zeroed VirtQueue page, and marks it ready.
func (v *Virtio) initializeQueue(queueNum uint32) defs.Err_t {
	v.regs.WriteQueueSelect(queueNum)
	if v.regs.ReadQueueReady() != 0 {
		panic("virtio: queue already active")
	}
	v.regs.WriteQueueSize(queueSize)

	pa, err := v.phys.AllocPagesZeroed(1)
	if err != defs.ErrNone {
		return err
	}
	v.queue = queueAt(pa)
	v.pfn = uint32(pa / mem.Pa_t(mem.PGSIZE))
	v.regs.WriteQueuePfn(v.pfn)
	v.regs.WriteQueueReady(1)
	return defs.ErrNone
}

// submitAndWait posts head into the available ring, notifies the device,
// and busy-polls until the used ring catches up, returning the completed
// element.
func (v *Virtio) submitAndWait(head uint16) usedElement {
	avail := &v.queue.Available
	avail.Ring[avail.Index%queueSize] = head
	avail.Index++

	v.regs.WriteQueueNotify(0)

	for avail.Index != v.queue.Used.Index {
		// Busy-wait: single-hart, no interrupt to block on.
	}
	return v.queue.Used.Ring[(v.queue.Used.Index-1)%queueSize]
}

func (v *Virtio) setDescriptor(idx uint16, d descriptor) {
	v.queue.Descriptors[idx] = d
}

// --- Block device ------------------------------------------------------

// BlockSectorLen is the size, in bytes, of one disk sector.
const BlockSectorLen = 512

const (
	blockRequestRead  uint32 = 0
	blockRequestWrite uint32 = 1
)

const (
	blockStatusIoError    uint8 = 1 << 0
	blockStatusUnsupported uint8 = 1 << 1
)

// blockRequest is the contiguous record (header, data, status) the driver
// stages a request in; its layout determines the descriptor chain's byte
// offsets.
type blockRequest struct {
	Ty       uint32
	Reserved uint32
	Sector   uint64
	Data     [BlockSectorLen]byte
	Status   uint8
}

func blockRequestAt(pa mem.Pa_t) *blockRequest {
	b := mem.Bytes(pa, int(unsafe.Sizeof(blockRequest{})))
	return (*blockRequest)(unsafe.Pointer(&b[0]))
}

// BlockBackend is the storage a simulated virtio block device serves
// requests against. RAMDisk is the backend the kernel boots with; tests
// may substitute their own.
type BlockBackend interface {
	SectorCount() uint64
	ReadSectorRaw(sector uint64, buf []byte) defs.Err_t
	WriteSectorRaw(sector uint64, buf []byte) defs.Err_t
}

func blockProcess(backend BlockBackend) func([]descriptor) uint32 {
	return func(chain []descriptor) uint32 {
		if len(chain) != 3 {
			return 0
		}
		header := mem.Bytes(mem.Pa_t(chain[0].Address), int(chain[0].Length))
		ty := binary.LittleEndian.Uint32(header[0:4])
		sector := binary.LittleEndian.Uint64(header[8:16])
		data := mem.Bytes(mem.Pa_t(chain[1].Address), int(chain[1].Length))
		status := mem.Bytes(mem.Pa_t(chain[2].Address), int(chain[2].Length))

		var result uint8
		switch ty {
		case blockRequestRead:
			if err := backend.ReadSectorRaw(sector, data); err != defs.ErrNone {
				result = blockStatusIoError
			}
		case blockRequestWrite:
			if err := backend.WriteSectorRaw(sector, data); err != defs.ErrNone {
				result = blockStatusIoError
			}
		default:
			result = blockStatusUnsupported
		}
		status[0] = result
		return chain[1].Length
	}
}

// BlockDevice is the driver-facing handle for the virtio block device.
// It implements ext2.BlockDevice directly, so an *ext2.FS can be opened
// straight over it.
type BlockDevice struct {
	v *Virtio
}

// InitBlockDevice brings up the virtio block device backed by backend,
// running the full init handshake and queue setup.
func InitBlockDevice(phys *mem.Phys, backend BlockBackend) (*BlockDevice, defs.Err_t) {
	regs := &simulatedRegisters{
		deviceID: deviceIDBlock,
		capacity: backend.SectorCount(),
		process:  blockProcess(backend),
	}
	v, err := initVirtio(phys, regs, deviceIDBlock)
	if err != defs.ErrNone {
		return nil, err
	}
	return &BlockDevice{v: v}, defs.ErrNone
}

// Capacity returns the device's capacity in 512-byte sectors.
func (b *BlockDevice) Capacity() uint64 {
	return b.v.regs.ReadCapacity()
}

func (b *BlockDevice) doRequest(req *blockRequest, reqPa mem.Pa_t) {
	headerLen := uint32(unsafe.Offsetof(req.Data))
	dataOff := uint32(unsafe.Offsetof(req.Data))
	statusOff := uint32(unsafe.Offsetof(req.Status))

	dataFlags := flagNext
	switch req.Ty {
	case blockRequestRead:
		dataFlags |= flagWrite
	case blockRequestWrite:
		// device-read-only, no Write flag
	default:
		req.Status = blockStatusUnsupported
		return
	}

	b.v.setDescriptor(0, descriptor{Address: uint64(reqPa), Length: headerLen, Flags: flagNext, Next: 1})
	b.v.setDescriptor(1, descriptor{Address: uint64(reqPa) + uint64(dataOff), Length: BlockSectorLen, Flags: dataFlags, Next: 2})
	b.v.setDescriptor(2, descriptor{Address: uint64(reqPa) + uint64(statusOff), Length: 1, Flags: flagWrite, Next: 0})

	b.v.submitAndWait(0)
}

func (b *BlockDevice) statusErr(status uint8) defs.Err_t {
	switch {
	case status&blockStatusIoError != 0:
		return defs.ErrIo
	case status&blockStatusUnsupported != 0:
		return defs.ErrUnsupported
	default:
		return defs.ErrNone
	}
}

// ReadSector reads the given sector into buf, which must be exactly
// BlockSectorLen bytes. Implements ext2.BlockDevice.
func (b *BlockDevice) ReadSector(buf []byte, sector uint64) defs.Err_t {
	if len(buf) != BlockSectorLen {
		panic("virtio: ReadSector buffer must be exactly one sector")
	}
	reqPa, err := b.v.phys.AllocPagesZeroed(1)
	if err != defs.ErrNone {
		return err
	}
	defer b.v.phys.FreePages(reqPa, 1)

	req := blockRequestAt(reqPa)
	req.Ty = blockRequestRead
	req.Sector = sector
	b.doRequest(req, reqPa)
	if err := b.statusErr(req.Status); err != defs.ErrNone {
		return err
	}
	copy(buf, req.Data[:])
	return defs.ErrNone
}

// WriteSector writes buf, which must be exactly BlockSectorLen bytes, to
// the given sector. Implements ext2.BlockDevice.
func (b *BlockDevice) WriteSector(buf []byte, sector uint64) defs.Err_t {
	if len(buf) != BlockSectorLen {
		panic("virtio: WriteSector buffer must be exactly one sector")
	}
	reqPa, err := b.v.phys.AllocPagesZeroed(1)
	if err != defs.ErrNone {
		return err
	}
	defer b.v.phys.FreePages(reqPa, 1)

	req := blockRequestAt(reqPa)
	req.Ty = blockRequestWrite
	req.Sector = sector
	copy(req.Data[:], buf)
	b.doRequest(req, reqPa)
	return b.statusErr(req.Status)
}

// RAMDisk is a simulated backing store for the virtio block device: a
// flat in-memory disk image, standing in for whatever real block device
// a VM would attach over virtio-blk.
type RAMDisk struct {
	image []byte
}

// NewRAMDisk wraps image as a block backend. image's length must be a
// multiple of BlockSectorLen.
func NewRAMDisk(image []byte) *RAMDisk {
	return &RAMDisk{image: image}
}

func (d *RAMDisk) SectorCount() uint64 { return uint64(len(d.image) / BlockSectorLen) }

func (d *RAMDisk) ReadSectorRaw(sector uint64, buf []byte) defs.Err_t {
	off := sector * BlockSectorLen
	if off+BlockSectorLen > uint64(len(d.image)) {
		return defs.ErrIo
	}
	copy(buf, d.image[off:off+BlockSectorLen])
	return defs.ErrNone
}

func (d *RAMDisk) WriteSectorRaw(sector uint64, buf []byte) defs.Err_t {
	off := sector * BlockSectorLen
	if off+BlockSectorLen > uint64(len(d.image)) {
		return defs.ErrIo
	}
	copy(d.image[off:off+BlockSectorLen], buf)
	return defs.ErrNone
}

// --- Entropy device ------------------------------------------------------

func entropyProcess() func([]descriptor) uint32 {
	return func(chain []descriptor) uint32 {
		if len(chain) != 1 {
			return 0
		}
		buf := mem.Bytes(mem.Pa_t(chain[0].Address), int(chain[0].Length))
		n, err := rand.Read(buf)
		if err != nil {
			return 0
		}
		return uint32(n)
	}
}

// EntropyDevice is the driver-facing handle for the virtio entropy
// device.
type EntropyDevice struct {
	v *Virtio
}

// InitEntropyDevice brings up the virtio entropy device.
func InitEntropyDevice(phys *mem.Phys) (*EntropyDevice, defs.Err_t) {
	regs := &simulatedRegisters{deviceID: deviceIDEntropy, process: entropyProcess()}
	v, err := initVirtio(phys, regs, deviceIDEntropy)
	if err != defs.ErrNone {
		return nil, err
	}
	return &EntropyDevice{v: v}, defs.ErrNone
}

// ReadRandom fills the length bytes of physical memory starting at pa
// with random data. The caller is expected to pass a kernel-resident
// physical range (a page this kernel allocated), matching the source's
// documented assumption that the buffer is in kernel memory. If the
// device returns fewer bytes than requested, the remainder is reissued,
// up to limits.EntropyMaxIters attempts.
func (e *EntropyDevice) ReadRandom(pa mem.Pa_t, length int) defs.Err_t {
	remaining := length
	cur := pa
	for iter := 0; remaining > 0; iter++ {
		if iter >= limits.EntropyMaxIters {
			return defs.ErrIo
		}
		e.v.setDescriptor(0, descriptor{Address: uint64(cur), Length: uint32(remaining), Flags: flagWrite, Next: 0})
		used := e.v.submitAndWait(0)
		if used.Length == 0 {
			continue
		}
		cur += mem.Pa_t(used.Length)
		remaining -= int(used.Length)
	}
	return defs.ErrNone
}
