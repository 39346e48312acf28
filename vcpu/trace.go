package vcpu

import (
	"log"

	"golang.org/x/arch/x86/x86asm"

	"github.com/nkyriazis/gokvm-mmio/memory"
)

// SetTrace enables single-step disassembly logging, matching the teacher's
// vmm.Boot trace-count flag: every skip exits (0 disables tracing), the
// instruction at the current RIP is decoded and printed before the vCPU
// re-enters, generalizing machine/debug_amd64.go's ptrace-based Inst off a
// syscall.PtraceRegs and onto hv.Registers/memory.GuestMemory.
func (v *VCpu) SetTrace(mem *memory.GuestMemory, skip int) {
	v.traceMem = mem
	v.traceSkip = skip
}

// traceStep logs the instruction at RIP if tracing is enabled and due,
// called once per vmexit from Loop.
func (v *VCpu) traceStep() {
	if v.traceMem == nil || v.traceSkip <= 0 {
		return
	}

	v.traceCount++
	if v.traceCount%v.traceSkip != 0 {
		return
	}

	regs, err := v.Registers()
	if err != nil {
		return
	}

	insn := make([]byte, 16)
	if err := v.traceMem.ReadBytes(regs.Regs.RIP, insn); err != nil {
		return
	}

	inst, err := x86asm.Decode(insn, 64)
	if err != nil {
		log.Printf("vcpu %d: rip=%#x: decode: %v", v.id, regs.Regs.RIP, err)

		return
	}

	log.Printf("vcpu %d: rip=%#x: %s", v.id, regs.Regs.RIP, x86asm.GNUSyntax(inst, regs.Regs.RIP, nil))
}
