package kvm

// ioctl nr fields, straight from linux/kvm.h. The request numbers themselves
// are built from these plus each struct's size via IIO/IIOW/IIOR/IIOWR.
const (
	nrGetAPIVersion   = 0x00
	nrCreateVM        = 0x01
	nrGetMSRIndexList = 0x02
	nrCheckExtension  = 0x03
	nrGetVCPUMMapSize = 0x04

	nrGetSupportedCPUID = 0x05

	nrGetMSRFeatureIndexList = 0x0a

	nrCreateVCPU = 0x41

	nrSetTSSAddr = 0x47

	nrSetUserMemoryRegion = 0x46
	nrSetIdentityMapAddr  = 0x48

	nrCreateIRQChip = 0x60
	nrIRQLine       = 0x61

	nrCreatePIT2 = 0x77

	nrSetCPUID2 = 0x90

	nrRun = 0x80

	nrGetRegs  = 0x81
	nrSetRegs  = 0x82
	nrGetSregs = 0x83
	nrSetSregs = 0x84

	nrGetDebugRegs = 0xa1
	nrSetDebugRegs = 0xa2
)
