package acpi

import (
	"bytes"
	"encoding/binary"
)

// RSDP is the ACPI 2.0+ Root System Description Pointer: the one structure
// a guest finds by scanning its fixed memory window (the EBDA, or
// 0xE0000-0xFFFFF) rather than through any other table's checksum chain.
// Everything else (XSDT, FADT, MADT, DSDT) is reached by following
// RSDPExtended.XSDTAddress.
type RSDP struct {
	Signature  [8]byte
	Checksum   uint8
	OEMId      [6]byte
	Revision   uint8
	RSDTAddr   uint32
	Length     uint32
	XSDTAddr   uint64
	ExtChecksum uint8
	_          [3]uint8
}

// NewRSDP points at xsdtAddr, the guest-physical address the XSDT was
// copied to.
func NewRSDP(oemid string, xsdtAddr uint64) RSDP {
	return RSDP{
		Signature: [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '},
		OEMId:     convertOEMID(oemid),
		Revision:  2,
		Length:    36,
		XSDTAddr:  xsdtAddr,
	}
}

func (r *RSDP) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Checksums fills in both the legacy (first 20 bytes) and extended
// (full struct) checksum fields, each of which must sum its own byte
// range to zero mod 256.
func (r *RSDP) Checksums() error {
	r.Checksum, r.ExtChecksum = 0, 0

	data, err := r.ToBytes()
	if err != nil {
		return err
	}

	var legacy uint8
	for _, b := range data[:20] {
		legacy += b
	}

	r.Checksum = -legacy

	data, err = r.ToBytes()
	if err != nil {
		return err
	}

	var ext uint8
	for _, b := range data {
		ext += b
	}

	r.ExtChecksum = -ext

	return nil
}
