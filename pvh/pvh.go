// Package pvh builds the flat protected-mode GDT entries the boot protocol
// needs when it hands control to the kernel with paging off: one code and
// one data descriptor spanning the full 4GB address space, plus a TSS
// descriptor some guests probe for even though this module never loads TR.
// This is machine.initSregs' segment setup pulled out into a table-driven
// encode/decode pair so vm.initVCPURegisters builds real descriptor bytes
// instead of leaning on whatever Type/S/DPL bits KVM's reset state happens
// to leave in place.
package pvh

import "github.com/nkyriazis/gokvm-mmio/kvm"

// Table indices of the entries CreateGDT returns; a segment's selector is
// its index times 8.
const (
	NullSegment = 0
	CodeSegment = 1
	DataSegment = 2
	TSSSegment  = 3
)

// Flag values for GdtEntry's access-byte/flags-nibble argument: present,
// DPL 0, code or data, 32-bit, 4K granularity.
const (
	codeSegmentFlag = 0xc09b
	dataSegmentFlag = 0xc093
	tssSegmentFlag  = 0x008b
)

// GdtEntry packs an x86 8-byte GDT descriptor into a uint64. flag's low
// byte is the access byte (Present, DPL, S, Type); bits 12-15 are the
// flags nibble (G, DB, L, AVL). base and limit are the usual 32-bit
// descriptor fields.
func GdtEntry(flag uint16, base, limit uint32) uint64 {
	access := uint64(flag) & 0xff
	flagsNibble := (uint64(flag) >> 12) & 0xf

	entry := uint64(limit) & 0xffff
	entry |= (uint64(base) & 0xffffff) << 16
	entry |= access << 40
	entry |= ((uint64(limit) >> 16) & 0xf) << 48
	entry |= flagsNibble << 52
	entry |= ((uint64(base) >> 24) & 0xff) << 56

	return entry
}

// SegmentFromGDT decodes a packed GDT entry back into the hidden
// descriptor-cache form KVM_SET_SREGS wants, with Selector set from the
// entry's index within the table. A zero entry decodes to an unusable
// segment, matching the null descriptor at table index 0.
func SegmentFromGDT(entry uint64, tableIndex uint8) kvm.Segment {
	if entry == 0 {
		return kvm.Segment{Unusable: 1}
	}

	access := uint8((entry >> 40) & 0xff)
	flagsNibble := uint8((entry >> 52) & 0xf)

	limit := uint32(entry&0xffff) | (uint32((entry>>48)&0xf) << 16)
	if flagsNibble&0x8 != 0 {
		limit = limit<<12 | 0xfff
	}
	base := uint64(entry>>16) & 0xffffff
	base |= (entry >> 56 & 0xff) << 24

	return kvm.Segment{
		Base:     base,
		Limit:    limit,
		Selector: uint16(tableIndex) * 8,
		Typ:      access & 0xf,
		S:        (access >> 4) & 1,
		DPL:      (access >> 5) & 0x3,
		Present:  (access >> 7) & 1,
		AVL:      flagsNibble & 1,
		L:        (flagsNibble >> 1) & 1,
		DB:       (flagsNibble >> 2) & 1,
		G:        (flagsNibble >> 3) & 1,
	}
}

// CreateGDT returns the four-entry flat GDT this boot path runs with: a
// null descriptor, a 4GB 32-bit code segment, a 4GB 32-bit data segment,
// and a TSS descriptor sized to a 32-bit TSS (limit 0x67).
func CreateGDT() [4]uint64 {
	return [4]uint64{
		NullSegment: GdtEntry(0, 0, 0),
		CodeSegment: GdtEntry(codeSegmentFlag, 0, 0xffffffff),
		DataSegment: GdtEntry(dataSegmentFlag, 0, 0xffffffff),
		TSSSegment:  GdtEntry(tssSegmentFlag, 0, 0x67),
	}
}

// CodeSegmentDescriptor and DataSegmentDescriptor are the decoded hidden
// descriptor-cache values for CreateGDT's code and data entries, ready to
// assign directly to an hv.Registers' Sregs segment fields.
func CodeSegmentDescriptor() kvm.Segment {
	return SegmentFromGDT(GdtEntry(codeSegmentFlag, 0, 0xffffffff), CodeSegment)
}

func DataSegmentDescriptor() kvm.Segment {
	return SegmentFromGDT(GdtEntry(dataSegmentFlag, 0, 0xffffffff), DataSegment)
}
