package vcpu

import (
	"testing"

	"github.com/nkyriazis/gokvm-mmio/hv"
	"github.com/nkyriazis/gokvm-mmio/kvm"
	"github.com/nkyriazis/gokvm-mmio/memory"
)

type traceFakeAbi struct {
	regs hv.Registers
}

func (f *traceFakeAbi) CreateVM() (hv.VmHandle, error)                          { return 1, nil }
func (f *traceFakeAbi) MapMemory(hv.VmHandle, hv.MemoryRegion) error            { return nil }
func (f *traceFakeAbi) CreateVCPU(hv.VmHandle, int) (hv.VCpuHandle, *kvm.RunData, error) {
	return 1, &kvm.RunData{}, nil
}
func (f *traceFakeAbi) SetRegisters(_ hv.VCpuHandle, regs hv.Registers) error {
	f.regs = regs

	return nil
}
func (f *traceFakeAbi) ConfigureCPUID(hv.VCpuHandle) error             { return nil }
func (f *traceFakeAbi) Registers(hv.VCpuHandle) (hv.Registers, error)  { return f.regs, nil }
func (f *traceFakeAbi) Run(hv.VCpuHandle) (kvm.ExitType, error)        { return kvm.ExitType(0), nil }
func (f *traceFakeAbi) RequestInterrupt(hv.VmHandle, hv.InterruptRequest, uint32) error { return nil }
func (f *traceFakeAbi) Cancel(hv.VCpuHandle)                           {}
func (f *traceFakeAbi) Close() error                                   { return nil }

func TestTraceStepNoopWhenDisabled(t *testing.T) {
	t.Parallel()

	cpu, err := New(&traceFakeAbi{}, 1, 0, memory.NewAddressSpace(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Tracing off: must not touch a nil traceMem.
	cpu.traceStep()
}

func TestTraceStepDecodesInstructionAtRIP(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(0x2000)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	// 0x90 is a one-byte NOP, harmless to decode regardless of mode.
	if err := mem.WriteBytes(0x1000, []byte{0x90}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	abi := &traceFakeAbi{}

	cpu, err := New(abi, 1, 0, memory.NewAddressSpace(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := cpu.SetRegisters(hv.Registers{Regs: kvm.Regs{RIP: 0x1000}}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	cpu.SetTrace(mem, 1)

	// Must not panic regardless of decode outcome.
	cpu.traceStep()
}
