package kvm

import "strconv"

// Capability is a KVM_CAP_* extension identifier, as passed to CheckExtension.
//
//go:generate stringer -type=Capability
type Capability uint

const (
	CapIRQChip                Capability = 0
	CapUserMemory             Capability = 3
	CapSetTSSAddr             Capability = 4
	CapEXTCPUID               Capability = 7
	CapMPState                Capability = 13
	CapCoalescedMMIO          Capability = 14
	CapIOMMU                  Capability = 17
	CapUserNMI                Capability = 22
	CapSetGuestDebug          Capability = 23
	CapReinjectControl        Capability = 24
	CapIRQRouting             Capability = 25
	CapMCE                    Capability = 31
	CapIRQFD                  Capability = 32
	CapPIT2                   Capability = 33
	CapSetBootCPUID           Capability = 34
	CapPITState2              Capability = 35
	CapIOEventFD              Capability = 36
	CapAdjustClock            Capability = 39
	CapVCPUEvents             Capability = 41
	CapINTRShadow             Capability = 49
	CapDebugRegs              Capability = 50
	CapEnableCap              Capability = 54
	CapXSave                  Capability = 55
	CapXCRS                   Capability = 56
	CapTSCControl             Capability = 60
	CapONEREG                 Capability = 70
	CapNRMemSlots             Capability = 9
	CapKVMClockCtrl           Capability = 76
	CapSignalMSI              Capability = 77
	CapDeviceCtrl             Capability = 89
	CapEXTEmulCPUID           Capability = 95
	CapVMAttributes           Capability = 101
	CapX86SMM                 Capability = 117
	CapX86DisableExits        Capability = 143
	CapGETMSRFeatures         Capability = 153
	CapNestedState            Capability = 157
	CapCoalescedPIO           Capability = 162
	CapManualDirtyLogProtect2 Capability = 166
	CapPMUEventFilter         Capability = 171
	CapX86UserSpaceMSR        Capability = 186
	CapX86MSRFilter           Capability = 187
	CapX86BusLockExit         Capability = 191
	CapSREGS2                 Capability = 198
	CapBinaryStatsFD          Capability = 201
	CapXSave2                 Capability = 206
	CapSysAttributes          Capability = 207
	CapVMTSCControl           Capability = 212
	CapX86TripleFaultEvent    Capability = 216
	CapX86NotifyVMExit        Capability = 217
)

// CheckExtension asks the host how much of the given capability is
// supported: 0 means unsupported, a positive value's meaning is
// capability-specific (a count, a feature-bitmask, or a plain boolean 1).
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	ret, err := Ioctl(kvmFd, IIO(nrCheckExtension), uintptr(cap))

	return int(ret), err
}

func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapUserMemory:
		return "CapUserMemory"
	case CapSetTSSAddr:
		return "CapSetTSSAddr"
	case CapEXTCPUID:
		return "CapEXTCPUID"
	case CapMPState:
		return "CapMPState"
	case CapIOMMU:
		return "CapIOMMU"
	case CapUserNMI:
		return "CapUserNMI"
	case CapSetGuestDebug:
		return "CapSetGuestDebug"
	case CapReinjectControl:
		return "CapReinjectControl"
	case CapIRQRouting:
		return "CapIRQRouting"
	case CapMCE:
		return "CapMCE"
	case CapIRQFD:
		return "CapIRQFD"
	case CapPIT2:
		return "CapPIT2"
	case CapSetBootCPUID:
		return "CapSetBootCPUID"
	case CapPITState2:
		return "CapPITState2"
	case CapIOEventFD:
		return "CapIOEventFD"
	case CapAdjustClock:
		return "CapAdjustClock"
	case CapVCPUEvents:
		return "CapVCPUEvents"
	case CapINTRShadow:
		return "CapINTRShadow"
	case CapDebugRegs:
		return "CapDebugRegs"
	case CapEnableCap:
		return "CapEnableCap"
	case CapXSave:
		return "CapXSave"
	case CapXCRS:
		return "CapXCRS"
	case CapTSCControl:
		return "CapTSCControl"
	case CapONEREG:
		return "CapONEREG"
	case CapKVMClockCtrl:
		return "CapKVMClockCtrl"
	case CapSignalMSI:
		return "CapSignalMSI"
	case CapDeviceCtrl:
		return "CapDeviceCtrl"
	case CapEXTEmulCPUID:
		return "CapEXTEmulCPUID"
	case CapVMAttributes:
		return "CapVMAttributes"
	case CapX86SMM:
		return "CapX86SMM"
	case CapX86DisableExits:
		return "CapX86DisableExits"
	case CapGETMSRFeatures:
		return "CapGETMSRFeatures"
	case CapNestedState:
		return "CapNestedState"
	case CapCoalescedPIO:
		return "CapCoalescedPIO"
	case CapManualDirtyLogProtect2:
		return "CapManualDirtyLogProtect2"
	case CapPMUEventFilter:
		return "CapPMUEventFilter"
	case CapX86UserSpaceMSR:
		return "CapX86UserSpaceMSR"
	case CapX86MSRFilter:
		return "CapX86MSRFilter"
	case CapX86BusLockExit:
		return "CapX86BusLockExit"
	case CapSREGS2:
		return "CapSREGS2"
	case CapBinaryStatsFD:
		return "CapBinaryStatsFD"
	case CapXSave2:
		return "CapXSave2"
	case CapSysAttributes:
		return "CapSysAttributes"
	case CapVMTSCControl:
		return "CapVMTSCControl"
	case CapX86TripleFaultEvent:
		return "CapX86TripleFaultEvent"
	case CapX86NotifyVMExit:
		return "CapX86NotifyVMExit"
	default:
		return "Capability(" + strconv.FormatUint(uint64(c), 10) + ")"
	}
}
