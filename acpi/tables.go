package acpi

import "bytes"

// TableParams are the platform facts the guest's ACPI tables must
// advertise: how many vCPUs exist, where the I/O APIC's MMIO window is,
// and where the PM1 event/control and reset ports acpipower implements
// are mapped in port space.
type TableParams struct {
	OEMID, OEMTableID string
	CPUCount          int
	IOAPICBase        uint32
	IOAPICID          uint8
	PM1EvtBlk         uint32
	PM1CntBlk         uint32
	ResetBlk          uint32
	SCIInt            uint16
}

// gasSystemIO encodes a 12-byte ACPI Generic Address Structure addressing
// one byte in system I/O space, the shape FADT's ResetReg field expects.
func gasSystemIO(port uint32) [12]byte {
	var gas [12]byte
	gas[0] = 1 // AddressSpaceID: SystemIO
	gas[1] = 8 // RegisterBitWidth
	gas[2] = 0 // RegisterBitOffset
	gas[3] = 1 // AccessSize: byte

	for i := 0; i < 8; i++ {
		gas[4+i] = byte(port >> (8 * i))
	}

	return gas
}

// BuildTables lays out a DSDT, a MADT (one LocalAPIC per vCPU plus the
// platform's I/O APIC), a FADT pointing at the PM1/reset ports, an XSDT
// listing the FADT and MADT, and an RSDP pointing at the XSDT. The RSDP
// comes first, at the guest-physical address base, followed back to back
// by the DSDT, MADT, FADT and XSDT. It returns the concatenated bytes
// ready to be copied into guest memory at base, and base itself is what
// the caller must point the EBDA's RSDP-search window at (or place within
// it directly).
func BuildTables(p TableParams, base uint64) ([]byte, error) {
	dsdt := NewDSDT(p.OEMID, p.OEMTableID)

	if err := dsdt.Checksum(); err != nil {
		return nil, err
	}

	dsdtBytes, err := dsdt.ToBytes()
	if err != nil {
		return nil, err
	}

	dsdtAddr := base + 36 // the 36-byte RSDP sits at base

	madt := MADT{Header: newHeader(SigAPIC, 0, 4, p.OEMID, p.OEMTableID)}

	for i := 0; i < p.CPUCount; i++ {
		madt.AddAPIC(&LocalAPIC{Type: TypeLocalAPIC, Length: 8, ProcessorID: uint8(i), APICId: uint8(i), Flags: 1})
	}

	madt.AddAPIC(&IOAPIC{Type: TypeIOAPIC, Length: 12, IOAPICID: p.IOAPICID, APICAddress: p.IOAPICBase})

	if err := madt.Checksum(); err != nil {
		return nil, err
	}

	madtBytes, err := madt.ToBytes()
	if err != nil {
		return nil, err
	}

	madtAddr := dsdtAddr + uint64(len(dsdtBytes))

	fadt := NewFADT(p.OEMID, p.OEMTableID, "GACT")
	fadt.SCIInt = p.SCIInt
	fadt.PM1aEvtBlk = p.PM1EvtBlk
	fadt.PM1aCntBlk = p.PM1CntBlk
	fadt.PM1EvtLen = 4
	fadt.PM1CntLen = 2
	fadt.XDSDT = dsdtAddr
	fadt.DSDTAddr = uint32(dsdtAddr)
	fadt.ResetReg = gasSystemIO(p.ResetBlk)
	fadt.ResetValue = 0x06
	fadt.FADTFeatureFlag = ResetRegSup

	if err := fadt.Checksum(); err != nil {
		return nil, err
	}

	fadtBytes, err := fadt.ToBytes()
	if err != nil {
		return nil, err
	}

	fadtAddr := madtAddr + uint64(len(madtBytes))

	xsdt := NewXSDT(p.OEMID, p.OEMTableID, "GACT")
	xsdt.AddEntry(fadtAddr)
	xsdt.AddEntry(madtAddr)

	if err := xsdt.Checksum(); err != nil {
		return nil, err
	}

	xsdtBytes, err := xsdt.ToBytes()
	if err != nil {
		return nil, err
	}

	xsdtAddr := fadtAddr + uint64(len(fadtBytes))

	rsdp := NewRSDP(p.OEMID, xsdtAddr)
	if err := rsdp.Checksums(); err != nil {
		return nil, err
	}

	rsdpBytes, err := rsdp.ToBytes()
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(rsdpBytes)
	out.Write(dsdtBytes)
	out.Write(madtBytes)
	out.Write(fadtBytes)
	out.Write(xsdtBytes)

	return out.Bytes(), nil
}
