// Package bootparam builds the Linux x86 "zero page" (struct boot_params):
// the setup_header copied out of a bzImage, plus the e820 memory map the
// guest's decompressor and kernel proper both read at startup.
//
// refs https://www.kernel.org/doc/html/latest/x86/boot.html
package bootparam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/nkyriazis/gokvm-mmio/ioerr"
)

// Fixed physical memory regions the e820 map below describes, and where
// the synthetic EBDA the teacher's ebda package produces gets placed.
const (
	RealModeIvtBegin = 0x0
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000
)

// setup_header.loadflags bits, from the boot protocol.
const (
	LoadedHigh   = 1 << 0
	KeepSegments = 1 << 6
	CanUseHeap   = 1 << 7
)

// BootParamSize is sizeof(struct boot_params): one page.
const BootParamSize = 4096

const (
	offBootFlag    = 0x1FE
	bootFlagMagic  = 0xAA55
	offHeaderMagic = 0x202
	headerMagic    = 0x53726448 // "HdrS" as a little-endian u32

	offHeader      = 0x1F1
	offE820Entries = 0x1E8
	offE820Table   = 0x2D0

	maxE820Entries = 128
)

// E820Type classifies one e820 memory region.
type E820Type uint32

const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
	E820Acpi     E820Type = 3
	E820Nvs      E820Type = 4
	E820Unusable E820Type = 5
)

// E820Entry is one entry of the e820_table array at offset 0x2D0.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type E820Type
}

// Header is struct setup_header, embedded in boot_params at offset 0x1F1.
// New populates it from the bzImage's own header; callers overwrite the
// fields the boot protocol says the bootloader (we) must fill in.
type Header struct {
	SetupSects          uint8
	RootFlags           uint16
	Syssize             uint32
	RamSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	HeaderMagic         uint32
	Version             uint16
	RealmodeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XLoadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
}

// BootParam is struct boot_params: a setup_header plus the e820 map. Only
// the pieces the VMM actually populates are modeled; every other field of
// the real struct reads back as zero, which the kernel and its
// decompressor both tolerate.
type BootParam struct {
	Hdr     Header
	entries []E820Entry
}

// New reads path's bzImage header and seeds a BootParam's Hdr from it.
// It rejects anything that isn't a valid Linux boot-protocol image.
func New(path string) (*BootParam, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open kernel image: %w", ioerr.ErrInvalidSpec, err)
	}
	defer f.Close()

	buf := make([]byte, BootParamSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: read kernel image header: %w", ioerr.ErrInvalidSpec, err)
	}

	if binary.LittleEndian.Uint16(buf[offBootFlag:]) != bootFlagMagic {
		return nil, fmt.Errorf("%w: missing boot sector signature", ioerr.ErrInvalidSpec)
	}

	if binary.LittleEndian.Uint32(buf[offHeaderMagic:]) != headerMagic {
		return nil, fmt.Errorf("%w: missing kernel header magic", ioerr.ErrInvalidSpec)
	}

	b := &BootParam{}

	if err := binary.Read(bytes.NewReader(buf[offHeader:]), binary.LittleEndian, &b.Hdr); err != nil {
		return nil, fmt.Errorf("%w: decode setup_header: %w", ioerr.ErrInvalidSpec, err)
	}

	return b, nil
}

// AddE820Entry appends one region to the e820 map Bytes will emit.
func (b *BootParam) AddE820Entry(addr, size uint64, typ E820Type) {
	b.entries = append(b.entries, E820Entry{Addr: addr, Size: size, Type: typ})
}

// Bytes renders the full 4096-byte boot_params page: the setup_header at
// 0x1F1, the entry count at 0x1E8, and the e820 table at 0x2D0.
func (b *BootParam) Bytes() ([]byte, error) {
	if len(b.entries) > maxE820Entries {
		return nil, fmt.Errorf("%w: %d e820 entries exceeds max %d", ioerr.ErrInvalidSpec, len(b.entries), maxE820Entries)
	}

	out := make([]byte, BootParamSize)

	var hdrBuf bytes.Buffer
	if err := binary.Write(&hdrBuf, binary.LittleEndian, b.Hdr); err != nil {
		return nil, fmt.Errorf("%w: encode setup_header: %w", ioerr.ErrInvalidSpec, err)
	}

	copy(out[offHeader:], hdrBuf.Bytes())

	out[offE820Entries] = byte(len(b.entries))

	var e820Buf bytes.Buffer
	for _, e := range b.entries {
		if err := binary.Write(&e820Buf, binary.LittleEndian, e); err != nil {
			return nil, fmt.Errorf("%w: encode e820 entry: %w", ioerr.ErrInvalidSpec, err)
		}
	}

	copy(out[offE820Table:], e820Buf.Bytes())

	return out, nil
}
