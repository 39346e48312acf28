package probe

import (
	"fmt"
	"os"

	"github.com/nkyriazis/gokvm-mmio/kvm"
)

// x86Caps is the full set of KVM_CAP_* extensions worth reporting on an x86
// host, adapted from tools.TestCaps.
var x86Caps = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapEXTCPUID,
	kvm.CapMPState,
	kvm.CapCoalescedMMIO,
	kvm.CapUserNMI,
	kvm.CapSetGuestDebug,
	kvm.CapReinjectControl,
	kvm.CapIRQRouting,
	kvm.CapMCE,
	kvm.CapIRQFD,
	kvm.CapPIT2,
	kvm.CapSetBootCPUID,
	kvm.CapPITState2,
	kvm.CapIOEventFD,
	kvm.CapAdjustClock,
	kvm.CapVCPUEvents,
	kvm.CapINTRShadow,
	kvm.CapDebugRegs,
	kvm.CapEnableCap,
	kvm.CapXSave,
	kvm.CapXCRS,
	kvm.CapTSCControl,
	kvm.CapONEREG,
	kvm.CapKVMClockCtrl,
	kvm.CapSignalMSI,
	kvm.CapDeviceCtrl,
	kvm.CapEXTEmulCPUID,
	kvm.CapVMAttributes,
	kvm.CapX86SMM,
	kvm.CapX86DisableExits,
	kvm.CapGETMSRFeatures,
	kvm.CapNestedState,
	kvm.CapCoalescedPIO,
	kvm.CapManualDirtyLogProtect2,
	kvm.CapPMUEventFilter,
	kvm.CapX86UserSpaceMSR,
	kvm.CapX86MSRFilter,
	kvm.CapX86BusLockExit,
	kvm.CapSREGS2,
	kvm.CapBinaryStatsFD,
	kvm.CapXSave2,
	kvm.CapSysAttributes,
	kvm.CapVMTSCControl,
	kvm.CapX86TripleFaultEvent,
	kvm.CapX86NotifyVMExit,
}

// requiredCaps is the subset of x86Caps this module's vCPU/memory/interrupt
// setup actually depends on: CapUserMemory backs the guest address space,
// CapSetTSSAddr and CapEXTCPUID are needed to enter protected mode on the
// vCPUs this module creates, and CapIRQChip/CapIOEventFD back the interrupt
// and virtio-mmio notification fabric. Anything else in x86Caps is reported
// but not required.
var requiredCaps = map[kvm.Capability]bool{
	kvm.CapUserMemory:  true,
	kvm.CapSetTSSAddr:  true,
	kvm.CapEXTCPUID:    true,
	kvm.CapIRQChip:     true,
	kvm.CapIOEventFD:   true,
}

// KVMCapabilities opens /dev/kvm and reports which of x86Caps the host
// supports, returning an error if any of requiredCaps is missing.
func KVMCapabilities() error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	var missing []kvm.Capability

	for _, cap := range x86Caps {
		res, err := kvm.CheckExtension(kvmfd, cap)
		if err != nil {
			return fmt.Errorf("check extension %s: %w", cap, err)
		}

		fmt.Printf("%-30s: %t\n", cap, res != 0)

		if res == 0 && requiredCaps[cap] {
			missing = append(missing, cap)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("host is missing required KVM capabilities: %v", missing)
	}

	return nil
}
