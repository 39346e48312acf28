// Package vm is the VM lifecycle root: it owns the hypervisor handle, guest
// memory, the address space every device registers onto, the per-vCPU
// execution loops, and the fixed set of platform devices (serial console,
// ACPI power management, virtio-mmio block and net). It replaces
// machine.Machine and vmm.VMM, generalizing machine.New/LoadLinux/Boot off
// one fixed hard-coded PCI/legacy layout and onto the capability interfaces
// (hv.HypervisorAbi, memory.AddressSpace) the rest of the tree now exposes.
package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nkyriazis/gokvm-mmio/acpi"
	"github.com/nkyriazis/gokvm-mmio/acpipower"
	"github.com/nkyriazis/gokvm-mmio/bootparam"
	"github.com/nkyriazis/gokvm-mmio/device"
	"github.com/nkyriazis/gokvm-mmio/ebda"
	"github.com/nkyriazis/gokvm-mmio/hv"
	"github.com/nkyriazis/gokvm-mmio/hv/kvmabi"
	"github.com/nkyriazis/gokvm-mmio/ioapic"
	"github.com/nkyriazis/gokvm-mmio/ioerr"
	"github.com/nkyriazis/gokvm-mmio/kvm"
	"github.com/nkyriazis/gokvm-mmio/memory"
	"github.com/nkyriazis/gokvm-mmio/netfwd"
	"github.com/nkyriazis/gokvm-mmio/pvh"
	"github.com/nkyriazis/gokvm-mmio/serial"
	"github.com/nkyriazis/gokvm-mmio/tap"
	"github.com/nkyriazis/gokvm-mmio/vcpu"
	"github.com/nkyriazis/gokvm-mmio/vdagent"
	"github.com/nkyriazis/gokvm-mmio/virtio"
	"github.com/nkyriazis/gokvm-mmio/virtiomm"
)

// Guest physical layout, unchanged from machine.go's constants.
const (
	bootParamAddr  = 0x10000
	cmdlineAddr    = 0x20000
	kernelAddr     = 0x100000
	initrdAddr     = 0xf000000
	acpiTablesAddr = 0xf0000 // inside the [MBBIOSBegin, MBBIOSEnd) reserved e820 window

	// SerialIRQ is the GSI the UART's THR-empty/data-ready conditions pulse,
	// matching the teacher's serialIRQ.
	SerialIRQ = 4

	// pm1Base is the ACPI PM1 event/control/reset port block's base address.
	pm1Base   = 0x600
	pm1Length = 16

	// acpiSCIIRQ is the GSI the PM1 block's SCI asserts on a pending event.
	acpiSCIIRQ = 9

	// virtioMmioWindowSize is the per-device register+config window size;
	// memory.VirtioNetMMIOBase is exactly memory.VirtioBlkMMIOBase plus
	// this, so the two devices sit back to back with no gap.
	virtioMmioWindowSize = 0x200

	// vdagentPort is the virtio-serial port number the guest-side vdagent
	// binds, matching the fixed port the original runtime service dials.
	vdagentPort = 1

	// platformVectorBase is added to a GSI pin to get its default interrupt
	// vector, the way firmware assigns vectors to the legacy ISA pins
	// before any OS-level I/O APIC driver reprograms them. The guest
	// kernel here boots with noapic/noacpi, so nothing ever does.
	platformVectorBase = 0x20
)

// guestIPv4 is the fixed address the guest's network stack is configured
// with via the gokvm.ipv4_addr kernel cmdline parameter; port forwarding
// dials this address through the tap interface's host route.
const guestIPv4 = "192.168.20.1"

// Config is everything New needs to construct and load a VM, the
// capability-level equivalent of the teacher's flag.Config/vmm.Config pair.
type Config struct {
	NCPUs      int
	MemSize    int
	KernelPath string
	InitrdPath string
	Params     string
	TapIfName  string
	DiskPath   string

	// TraceSkip enables per-vCPU single-step disassembly logging every
	// TraceSkip vmexits; 0 disables tracing.
	TraceSkip int

	// ConsoleOut receives the guest's serial output, in addition to
	// os.Stdout; typically an ipc.ConsolePort so a connected controller
	// sees console.data events. Nil means stdout only.
	ConsoleOut io.Writer
}

// Vm owns one running (or about-to-run) guest: its hypervisor handle, guest
// memory, address space, vCPUs, and the fixed platform devices.
type Vm struct {
	abi       hv.HypervisorAbi
	handle    hv.VmHandle
	mem       *memory.GuestMemory
	addrSpace *memory.AddressSpace
	ioapic    *ioapic.State
	vcpus     []*vcpu.VCpu

	console *serial.Serial
	power   *acpipower.State

	blk          *virtio.Blk
	blkTransport *virtiomm.Transport

	net          *virtio.Net
	netTransport *virtiomm.Transport
	tapIf        *tap.Tap
	portFwd      *netfwd.Manager

	vdagentSerial *virtio.Serial
	vdagent       *vdagent.Handler

	shutdown atomic.Bool
	resetReq atomic.Bool
	stopReq  atomic.Bool
}

// irqLine is the InterruptController's injector: it adapts a fixed GSI pin
// into the serial.IrqRaiser/virtiomm.InterruptLine contract every platform
// device wires its interrupt line through.
type irqLine struct {
	vm  *Vm
	pin uint32
}

func (l *irqLine) Raise() {
	_ = l.vm.inject(l.pin)
}

// inject resolves pin's redirection table entry and, unless it's masked or
// has no vector assigned, pulses it low then high on the host's in-kernel
// interrupt controller, the same deassert-then-assert sequence
// machine.InjectSerialIRQ/InjectVirtioNetIRQ use on kvm.IRQLine. A pin with
// no RTE (out of range) or a masked/vector-0 RTE is dropped silently, the
// way a real I/O APIC discards an asserted line its redirection table
// doesn't route anywhere.
func (v *Vm) inject(pin uint32) error {
	req, ok := v.resolveInterrupt(pin)
	if !ok {
		return nil
	}

	if err := v.abi.RequestInterrupt(v.handle, req, 0); err != nil {
		return fmt.Errorf("deassert irq %d: %w", pin, err)
	}

	if err := v.abi.RequestInterrupt(v.handle, req, 1); err != nil {
		return fmt.Errorf("assert irq %d: %w", pin, err)
	}

	return nil
}

// resolveInterrupt fetches pin's redirection table entry and builds the
// hv.InterruptRequest it routes to, or reports false if pin is out of
// range, masked, or has no vector assigned.
func (v *Vm) resolveInterrupt(pin uint32) (hv.InterruptRequest, bool) {
	if pin > 0xFF {
		return hv.InterruptRequest{}, false
	}

	entry, ok := v.ioapic.RedirEntryFor(uint8(pin))
	if !ok || entry.Masked || entry.Vector == 0 {
		return hv.InterruptRequest{}, false
	}

	return hv.InterruptRequest{
		Pin:          pin,
		Vector:       entry.Vector,
		DeliveryMode: entry.DeliveryMode,
		DestMode:     entry.DestMode,
		TriggerMode:  entry.TriggerMode,
		Destination:  entry.Destination,
	}, true
}

// New opens the hypervisor, allocates and maps guest memory, constructs the
// address space and its fixed devices, loads the kernel/initrd/ACPI tables,
// and brings up cfg.NCPUs vCPUs ready to run. It does not start them; call
// Start.
func New(cfg Config) (*Vm, error) {
	if cfg.NCPUs <= 0 {
		return nil, fmt.Errorf("%w: non-positive cpu count", ioerr.ErrInvalidSpec)
	}

	abi, err := kvmabi.Open()
	if err != nil {
		return nil, err
	}

	handle, err := abi.CreateVM()
	if err != nil {
		abi.Close()

		return nil, err
	}

	mem, err := memory.New(cfg.MemSize)
	if err != nil {
		abi.Close()

		return nil, err
	}

	if err := abi.MapMemory(handle, hv.MemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		HostAddr:      mem.HostBase(),
		Size:          uint64(mem.LowSize()),
	}); err != nil {
		mem.Close()
		abi.Close()

		return nil, err
	}

	if mem.HighSize() > 0 {
		if err := abi.MapMemory(handle, hv.MemoryRegion{
			Slot:          1,
			GuestPhysAddr: mem.HighGPABase(),
			HostAddr:      mem.HostBase() + uintptr(mem.LowSize()),
			Size:          uint64(mem.HighSize()),
		}); err != nil {
			mem.Close()
			abi.Close()

			return nil, err
		}
	}

	v := &Vm{
		abi:       abi,
		handle:    handle,
		mem:       mem,
		addrSpace: memory.NewAddressSpace(false),
		ioapic:    ioapic.New(),
	}

	if err := v.addrSpace.RegisterMMIO(ioapic.BaseAddress, ioapic.Size, v.ioapic); err != nil {
		return nil, v.closeOnError(err)
	}

	v.programDefaultRedirects()

	if err := v.attachConsole(cfg.ConsoleOut); err != nil {
		return nil, v.closeOnError(err)
	}

	if err := v.attachPower(); err != nil {
		return nil, v.closeOnError(err)
	}

	if err := v.addrSpace.RegisterPIO(device.PostCodePort, 1, &device.PostCode{}); err != nil {
		return nil, v.closeOnError(err)
	}

	if cfg.DiskPath != "" {
		if err := v.attachBlk(cfg.DiskPath); err != nil {
			return nil, v.closeOnError(err)
		}
	}

	if cfg.TapIfName != "" {
		if err := v.attachNet(cfg.TapIfName); err != nil {
			return nil, v.closeOnError(err)
		}
	}

	if err := v.attachVDAgentSerial(); err != nil {
		return nil, v.closeOnError(err)
	}

	if err := v.createVCPUs(cfg.NCPUs); err != nil {
		return nil, v.closeOnError(err)
	}

	if cfg.TraceSkip > 0 {
		for _, cpu := range v.vcpus {
			cpu.SetTrace(v.mem, cfg.TraceSkip)
		}
	}

	if err := v.loadLinux(cfg); err != nil {
		return nil, v.closeOnError(err)
	}

	return v, nil
}

func (v *Vm) closeOnError(cause error) error {
	v.Close()

	return cause
}

// programDefaultRedirects seeds an unmasked, vectored RTE for every fixed
// platform interrupt pin, the same default routing platform firmware would
// leave in place for a guest whose kernel never touches the I/O APIC itself
// (this one boots with noapic/noacpi). The serial pin is edge-triggered
// like a real legacy UART line; the three virtio-mmio pins are
// level-triggered, matching virtio-mmio's own shared, level-sensitive
// interrupt convention.
func (v *Vm) programDefaultRedirects() {
	edge := []uint32{SerialIRQ}
	level := []uint32{acpiSCIIRQ, memory.VirtioBlkIRQ, memory.VirtioNetIRQ, memory.VirtioSerialIRQ}

	for _, pin := range edge {
		v.ioapic.ProgramDefault(uint8(pin), uint8(platformVectorBase+pin), false, 0)
	}

	for _, pin := range level {
		v.ioapic.ProgramDefault(uint8(pin), uint8(platformVectorBase+pin), true, 0)
	}
}

func (v *Vm) attachConsole(mirror io.Writer) error {
	out := io.Writer(os.Stdout)
	if mirror != nil {
		out = io.MultiWriter(os.Stdout, mirror)
	}

	v.console = serial.New(out, &irqLine{vm: v, pin: SerialIRQ})

	return v.addrSpace.RegisterPIO(serial.COM1Addr, 8, v.console)
}

func (v *Vm) attachPower() error {
	v.power = acpipower.New(acpipower.Callbacks{
		Shutdown: func() { v.shutdown.Store(true) },
		Reset:    func() { v.resetReq.Store(true) },
		RaiseSCI: (&irqLine{vm: v, pin: acpiSCIIRQ}).Raise,
	})

	return v.addrSpace.RegisterPIO(pm1Base, pm1Length, v.power)
}

func (v *Vm) attachBlk(path string) error {
	blk, err := virtio.NewBlk(path, v.mem)
	if err != nil {
		return err
	}

	transport := virtiomm.New(blk, &irqLine{vm: v, pin: memory.VirtioBlkIRQ}, v.mem)
	blk.SetNotifier(transport)

	if err := v.addrSpace.RegisterMMIO(memory.VirtioBlkMMIOBase, virtioMmioWindowSize, transport); err != nil {
		return err
	}

	v.blk, v.blkTransport = blk, transport

	return nil
}

func (v *Vm) attachNet(ifName string) error {
	t, err := tap.New(ifName)
	if err != nil {
		return err
	}

	mac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	net := virtio.NewNet(t, mac, v.mem)

	transport := virtiomm.New(net, &irqLine{vm: v, pin: memory.VirtioNetIRQ}, v.mem)
	net.SetNotifier(transport)

	if err := v.addrSpace.RegisterMMIO(memory.VirtioNetMMIOBase, virtioMmioWindowSize, transport); err != nil {
		return err
	}

	v.net, v.netTransport, v.tapIf = net, transport, t
	v.portFwd = netfwd.New(guestIPv4)

	return nil
}

// attachVDAgentSerial wires a single-port virtio-serial device to a
// vdagent.Handler on vdagentPort: the only concrete consumer this
// platform's virtio-serial transport carries.
func (v *Vm) attachVDAgentSerial() error {
	dev := virtio.NewSerial(v.mem)
	transport := virtiomm.New(dev, &irqLine{vm: v, pin: memory.VirtioSerialIRQ}, v.mem)
	dev.SetNotifier(transport)

	if err := v.addrSpace.RegisterMMIO(memory.VirtioSerialMMIOBase, virtioMmioWindowSize, transport); err != nil {
		return err
	}

	handler := vdagent.NewHandler(vdagentPort, dev)
	dev.AttachConsumer(handler)

	v.vdagentSerial, v.vdagent = dev, handler

	return nil
}

func (v *Vm) createVCPUs(nCPUs int) error {
	v.vcpus = make([]*vcpu.VCpu, nCPUs)

	for i := 0; i < nCPUs; i++ {
		cpu, err := vcpu.New(v.abi, v.handle, i, v.addrSpace)
		if err != nil {
			return err
		}

		if err := v.abi.ConfigureCPUID(cpu.Handle()); err != nil {
			return err
		}

		v.vcpus[i] = cpu
	}

	return nil
}

// loadLinux copies the initrd, command line, zero page, kernel image, EBDA,
// and ACPI tables into guest memory and sets every vCPU's initial register
// state, generalizing machine.LoadLinux/initRegs/initSregs off a flat
// []byte m.mem and onto memory.GuestMemory.WriteBytes.
func (v *Vm) loadLinux(cfg Config) error {
	initrd, err := os.ReadFile(cfg.InitrdPath)
	if err != nil {
		return fmt.Errorf("%w: read initrd: %w", ioerr.ErrInvalidSpec, err)
	}

	if err := v.mem.WriteBytes(initrdAddr, initrd); err != nil {
		return fmt.Errorf("write initrd: %w", err)
	}

	cmdline := append([]byte(cfg.Params), 0)
	if err := v.mem.WriteBytes(cmdlineAddr, cmdline); err != nil {
		return fmt.Errorf("write cmdline: %w", err)
	}

	bp, err := bootparam.New(cfg.KernelPath)
	if err != nil {
		return err
	}

	bp.AddE820Entry(bootparam.RealModeIvtBegin, bootparam.EBDAStart-bootparam.RealModeIvtBegin, bootparam.E820Ram)
	bp.AddE820Entry(bootparam.EBDAStart, bootparam.VGARAMBegin-bootparam.EBDAStart, bootparam.E820Reserved)
	bp.AddE820Entry(bootparam.MBBIOSBegin, bootparam.MBBIOSEnd-bootparam.MBBIOSBegin, bootparam.E820Reserved)
	bp.AddE820Entry(kernelAddr, uint64(cfg.MemSize)-kernelAddr, bootparam.E820Ram)

	bp.Hdr.VidMode = 0xFFFF
	bp.Hdr.TypeOfLoader = 0xFF
	bp.Hdr.RamdiskImage = initrdAddr
	bp.Hdr.RamdiskSize = uint32(len(initrd))
	bp.Hdr.LoadFlags |= bootparam.CanUseHeap | bootparam.LoadedHigh | bootparam.KeepSegments
	bp.Hdr.HeapEndPtr = 0xFE00
	bp.Hdr.ExtLoaderVer = 0
	bp.Hdr.CmdlinePtr = cmdlineAddr
	bp.Hdr.CmdlineSize = uint32(len(cmdline))

	bpBytes, err := bp.Bytes()
	if err != nil {
		return err
	}

	if err := v.mem.WriteBytes(bootParamAddr, bpBytes); err != nil {
		return fmt.Errorf("write boot params: %w", err)
	}

	bzImage, err := os.ReadFile(cfg.KernelPath)
	if err != nil {
		return fmt.Errorf("%w: read kernel image: %w", ioerr.ErrInvalidSpec, err)
	}

	offset := int(bp.Hdr.SetupSects+1) * 512
	if err := v.mem.WriteBytes(kernelAddr, bzImage[offset:]); err != nil {
		return fmt.Errorf("write kernel: %w", err)
	}

	e, err := ebda.New()
	if err != nil {
		return err
	}

	ebdaBytes, err := e.Bytes()
	if err != nil {
		return err
	}

	if err := v.mem.WriteBytes(bootparam.EBDAStart, ebdaBytes); err != nil {
		return fmt.Errorf("write ebda: %w", err)
	}

	if err := v.loadACPITables(len(v.vcpus)); err != nil {
		return err
	}

	for _, cpu := range v.vcpus {
		if err := v.initVCPURegisters(cpu); err != nil {
			return err
		}
	}

	return nil
}

// loadACPITables builds and copies the DSDT/MADT/FADT/XSDT/RSDP chain
// advertising the I/O APIC and the PM1/reset ports acpipower implements,
// placed inside the reserved BIOS area the e820 map already marks off
// limits, the window Linux's RSDP scan (0xE0000-0xFFFFF) covers.
func (v *Vm) loadACPITables(cpuCount int) error {
	tables, err := acpi.BuildTables(acpi.TableParams{
		OEMID:      "GOKVMM",
		OEMTableID: "GOKVMMVM",
		CPUCount:   cpuCount,
		IOAPICBase: memory.IOAPICBase,
		IOAPICID:   0,
		PM1EvtBlk:  pm1Base,
		PM1CntBlk:  pm1Base + 4,
		ResetBlk:   pm1Base + 8,
		SCIInt:     acpiSCIIRQ,
	}, acpiTablesAddr)
	if err != nil {
		return err
	}

	return v.mem.WriteBytes(acpiTablesAddr, tables)
}

// initVCPURegisters patches the reset register state KVM hands a fresh
// vCPU into the flat 32-bit protected-mode entry state Linux's boot
// protocol expects, exactly as machine.initRegs/initSregs do, but reading
// the current state back via hv.HypervisorAbi.Registers first since
// hv.HypervisorAbi exposes no way to construct Sregs defaults from nothing.
// CS runs with pvh's flat code descriptor and every other selector with its
// flat data descriptor, rather than trusting KVM's reset-state Type/S/DPL
// bits to already be right for a segment nothing has loaded.
func (v *Vm) initVCPURegisters(cpu *vcpu.VCpu) error {
	regs, err := cpu.Registers()
	if err != nil {
		return err
	}

	regs.Regs.RFLAGS = 2
	regs.Regs.RIP = kernelAddr
	regs.Regs.RSI = bootParamAddr

	regs.Sregs.CS = pvh.CodeSegmentDescriptor()

	dataSeg := pvh.DataSegmentDescriptor()
	for _, seg := range []*kvm.Segment{
		&regs.Sregs.DS, &regs.Sregs.FS, &regs.Sregs.GS,
		&regs.Sregs.ES, &regs.Sregs.SS,
	} {
		*seg = dataSeg
	}

	regs.Sregs.CR0 |= 1

	return cpu.SetRegisters(regs)
}

// PushConsoleByte feeds one byte of host-side keyboard input to the guest's
// serial console, raising its IRQ if the guest has receive interrupts
// enabled. The caller (the cmd-level terminal-input goroutine) owns raw
// mode and any local escape-sequence handling.
func (v *Vm) PushConsoleByte(b byte) {
	v.console.Push(b)
}

// ShutdownRequested reports whether the guest has asked to power off via
// the ACPI PM1 control register (S5 sleep type written with SLP_EN set).
func (v *Vm) ShutdownRequested() bool {
	return v.shutdown.Load()
}

// InjectConsoleBytes feeds a run of bytes to the guest's serial console in
// order, used by the runtime.command "shutdown" handler to type a
// "poweroff" line after toggling the ACPI power button, exactly as the
// control service's shutdown command does.
func (v *Vm) InjectConsoleBytes(data []byte) {
	for _, b := range data {
		v.console.Push(b)
	}
}

// TriggerPowerButton is a no-op: this platform exposes no fixed ACPI power
// button in its FADT, so a guest has nothing to react to here. The
// runtime.command "shutdown" handler calls this for parity with a real power
// button press anyway, then relies on InjectConsoleBytes to type "poweroff"
// at the guest's console, which is the actual shutdown path.
func (v *Vm) TriggerPowerButton() {
}

// RequestStop asks every vCPU to exit its run loop at the next
// opportunity and marks the VM as stopping; idempotent and safe to call
// from any goroutine.
func (v *Vm) RequestStop() {
	v.stopReq.Store(true)
	v.cancelAll()
}

// SetNetLinkUp toggles the virtio-net link-status bit a guest driver reads
// from its config space. A no-op if no net device is attached.
func (v *Vm) SetNetLinkUp(up bool) {
	if v.net != nil {
		v.net.SetLinkUp(up)
	}
}

// UpdatePortForwards replaces the active host-port-forwarding table. A
// no-op if no net device is attached.
func (v *Vm) UpdatePortForwards(forwards []netfwd.Forward) error {
	if v.portFwd == nil {
		return nil
	}

	return v.portFwd.UpdateForwards(forwards)
}

// Close releases every hypervisor and OS resource Vm owns. Safe to call on
// a partially constructed Vm.
func (v *Vm) Close() error {
	if v.blk != nil {
		v.blk.Close()
	}

	if v.portFwd != nil {
		v.portFwd.Close()
	}

	if v.net != nil {
		v.net.Close()
	}

	if v.tapIf != nil {
		v.tapIf.Close()
	}

	if v.mem != nil {
		v.mem.Close()
	}

	if v.abi != nil {
		return v.abi.Close()
	}

	return nil
}

// Start runs every vCPU and device worker goroutine until ctx is canceled,
// a vCPU exits with an error, or the guest requests shutdown. Unlike
// vmm.Boot, which assigns a shared `err` variable from N unsynchronized
// goroutines (a data race: the last writer wins, and only by accident),
// Start uses golang.org/x/sync/errgroup so the first real error cancels the
// group and is returned exactly once, with every goroutine joined before
// Start returns.
func (v *Vm) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, cpu := range v.vcpus {
		cpu := cpu

		g.Go(func() error {
			return cpu.Loop()
		})
	}

	if v.blk != nil {
		g.Go(func() error {
			v.blk.IOThreadEntry()

			return nil
		})
	}

	if v.net != nil {
		g.Go(func() error {
			v.net.TXThreadEntry()

			return nil
		})

		g.Go(func() error {
			v.net.RXThreadEntry()

			return nil
		})
	}

	g.Go(func() error {
		return v.watchShutdown(ctx)
	})

	return g.Wait()
}

// watchShutdown cancels every vCPU's Run loop once the guest requests
// power-off through acpipower, or ctx is canceled from outside (e.g. the
// cmd-level Ctrl-A x hotkey), and then stops the block and net device
// workers so Start's group can be joined.
func (v *Vm) watchShutdown(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	defer func() {
		if v.blk != nil {
			v.blk.Close()
		}

		if v.net != nil {
			v.net.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			v.cancelAll()

			return nil
		case <-ticker.C:
			if v.shutdown.Load() {
				v.cancelAll()

				return nil
			}
		}
	}
}

func (v *Vm) cancelAll() {
	for _, cpu := range v.vcpus {
		cpu.Cancel()
	}
}
