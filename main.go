package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkyriazis/gokvm-mmio/flag"
	"github.com/nkyriazis/gokvm-mmio/ipc"
	"github.com/nkyriazis/gokvm-mmio/netfwd"
	"github.com/nkyriazis/gokvm-mmio/probe"
	"github.com/nkyriazis/gokvm-mmio/term"
	"github.com/nkyriazis/gokvm-mmio/vm"
	"github.com/nkyriazis/gokvm-mmio/vmspec"
)

func main() {
	cfg, err := flag.Parse(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.Probe {
		if err := probe.KVMCapabilities(); err != nil {
			log.Fatal(err)
		}

		if err := probe.CPUID(); err != nil {
			log.Fatal(err)
		}

		return
	}

	spec, err := loadOrBuildSpec(cfg)
	if err != nil {
		log.Fatal(err)
	}

	svc, err := ipc.NewService(cfg.SocketPath, spec.ID)
	if err != nil {
		log.Fatal(err)
	}
	defer svc.Stop()

	tapIfName := cfg.TapIfName
	if !spec.NAT {
		tapIfName = ""
	}

	v, err := vm.New(vm.Config{
		NCPUs:      spec.CPUCount,
		MemSize:    spec.MemSizeBytes(),
		KernelPath: spec.KernelPath,
		InitrdPath: spec.InitrdPath,
		Params:     spec.CmdLine,
		TapIfName:  tapIfName,
		DiskPath:   spec.DiskPath,
		TraceSkip:  cfg.TraceCount,
		ConsoleOut: svc.ConsolePort(),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer v.Close()

	if spec.NAT {
		if err := v.UpdatePortForwards(forwardsFromSpec(spec)); err != nil {
			log.Fatal(err)
		}
	}

	svc.AttachVm(v)
	svc.Start()
	svc.PublishState("running", 0)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- v.Start(ctx) }()

	if term.IsTerminal() {
		go pumpStdin(v, cancel)
	} else {
		fmt.Fprintln(os.Stderr, "this is not a terminal and does not accept input")
	}

	err = <-done

	state := "stopped"
	if err != nil {
		state = "crashed"
	}

	svc.PublishState(state, 0)

	if err != nil {
		log.Fatal(err)
	}
}

// pumpStdin forwards raw keyboard input to the guest console, restoring
// cooked mode on return. Ctrl-A followed by 'x' cancels the run instead of
// reaching the guest, the same hotkey the teacher's machine-based cmd used.
func pumpStdin(v *vm.Vm, cancel context.CancelFunc) {
	restoreMode, err := term.SetRawMode()
	if err != nil {
		return
	}
	defer restoreMode()

	var before byte

	in := bufio.NewReader(os.Stdin)

	for {
		b, err := in.ReadByte()
		if err != nil {
			return
		}

		if before == 0x1 && b == 'x' {
			cancel()

			return
		}

		v.PushConsoleByte(b)

		before = b
	}
}

// loadOrBuildSpec loads a persisted vmspec.Spec from cfg.SpecDir if set,
// otherwise builds one from the flags in cfg and saves it back to SpecDir
// so a later run with the same -spec-dir sees a stable VM ID.
func loadOrBuildSpec(cfg *flag.Config) (*vmspec.Spec, error) {
	if cfg.SpecDir != "" {
		if spec, err := vmspec.Load(cfg.SpecDir); err == nil {
			return spec, nil
		}
	}

	name := cfg.Name
	if name == "" {
		name = "default"
	}

	spec := vmspec.New(name)
	spec.CPUCount = cfg.NCPUs
	spec.MemoryMB = cfg.MemSize >> 20
	spec.KernelPath = cfg.Kernel
	spec.InitrdPath = cfg.Initrd
	spec.CmdLine = cfg.Params
	spec.DiskPath = cfg.Disk
	spec.NAT = cfg.NAT
	spec.PortForwards = cfg.PortForwards
	spec.SharedFolders = cfg.SharedFolders

	if cfg.SpecDir != "" {
		if err := spec.Save(cfg.SpecDir); err != nil {
			return nil, err
		}
	}

	return spec, nil
}

func forwardsFromSpec(spec *vmspec.Spec) []netfwd.Forward {
	out := make([]netfwd.Forward, len(spec.PortForwards))
	for i, pf := range spec.PortForwards {
		out[i] = netfwd.Forward{HostPort: pf.HostPort, GuestPort: pf.GuestPort}
	}

	return out
}
