package flag

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/nkyriazis/gokvm-mmio/memory"
	"github.com/nkyriazis/gokvm-mmio/vmspec"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// Config is everything Parse accepts. It finally gives ParseArgs's old
// nine-return-value tuple the config struct its own comment wished for, and
// extends it with the vmspec fields (name, NAT, port forwards, shared
// folders) a persisted VmSpec also carries.
type Config struct {
	KVMPath    string
	Kernel     string
	Initrd     string
	Params     string
	TapIfName  string
	Disk       string
	NCPUs      int
	MemSize    int
	TraceCount int

	// Probe, if set, asks the cmd layer to run probe.KVMCapabilities and
	// probe.CPUID and exit instead of booting a guest.
	Probe bool

	// Name identifies the VM for its control socket and, when SpecDir is
	// set, the vmspec.Spec persisted there.
	Name string

	// SpecDir, if non-empty, loads a vmspec.Spec from this directory
	// instead of Kernel/Initrd/Params/Disk/NCPUs/MemSize above, and saves
	// it back (picking up any ID assigned on first run).
	SpecDir string

	// SocketPath is the control-plane unix domain socket ipc.NewService
	// listens on.
	SocketPath string

	NAT           bool
	PortForwards  []vmspec.PortForward
	SharedFolders []vmspec.SharedFolder
}

// virtioMmioWindowSize is the per-device register+config window size each
// virtio_mmio.device= clause below advertises, matching vm.go's fixed
// back-to-back MMIO layout for the block, net, and serial devices.
const virtioMmioWindowSize = 0x200

// defaultParams is the guest kernel command line. Unlike the teacher's
// PCI-bus guest, devices sit on virtio-mmio, so the kernel needs one
// virtio_mmio.device=<size>@<base>:<irq> clause per device instead of the
// PCI-era virtio_pci.force_legacy/pci=realloc flags.
var defaultParams = fmt.Sprintf(
	`console=ttyS0 earlyprintk=serial noapic noacpi notsc `+
		`debug apic=debug show_lapic=all mitigations=off lapic tsc_early_khz=2000 `+
		`dyndbg="file arch/x86/kernel/smpboot.c +plf ; file drivers/net/virtio_net.c +plf" `+
		`virtio_mmio.device=0x%x@0x%x:%d `+
		`virtio_mmio.device=0x%x@0x%x:%d `+
		`virtio_mmio.device=0x%x@0x%x:%d `+
		`rdinit=/init init=/init`,
	virtioMmioWindowSize, memory.VirtioBlkMMIOBase, memory.VirtioBlkIRQ,
	virtioMmioWindowSize, memory.VirtioNetMMIOBase, memory.VirtioNetIRQ,
	virtioMmioWindowSize, memory.VirtioSerialMMIOBase, memory.VirtioSerialIRQ,
)

// Parse parses args (as os.Args) into a Config. It builds a fresh FlagSet
// rather than reaching for the flag package's global CommandLine, so it can
// be called more than once within a process (tests do).
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet(progName(args), flag.ContinueOnError)

	c := &Config{}

	fs.StringVar(&c.KVMPath, "D", "/dev/kvm", "path of kvm device")
	fs.StringVar(&c.Kernel, "k", "./bzImage", "kernel image path")
	fs.StringVar(&c.Initrd, "i", "./initrd", "initrd path")
	//  refs: commit 1621292e73770aabbc146e72036de5e26f901e86 in kvmtool
	fs.StringVar(&c.Params, "p", defaultParams, "kernel command-line parameters")
	fs.StringVar(&c.TapIfName, "t", "tap", "name of tap interface")
	fs.StringVar(&c.Disk, "d", "/dev/zero", "path of disk file (for /dev/vda)")
	fs.IntVar(&c.NCPUs, "c", 1, "number of cpus")
	fs.BoolVar(&c.Probe, "probe", false, "report KVM host capabilities and exit")

	fs.StringVar(&c.Name, "name", "", "VM name, used as the control socket and vmspec directory's default")
	fs.StringVar(&c.SpecDir, "spec-dir", "", "load/save a vmspec.Spec from this directory instead of the flags above")
	fs.StringVar(&c.SocketPath, "socket", "", "control-plane unix socket path (default /tmp/gokvm-<name>.sock)")
	fs.BoolVar(&c.NAT, "nat", false, "enable NAT-style outbound networking through the tap interface")

	var portForwards, sharedFolders multiFlag

	fs.Var(&portForwards, "port-forward", "host:guest TCP port forward, repeatable")
	fs.Var(&sharedFolders, "shared-folder", "tag:hostpath[:ro] shared folder declaration, repeatable")

	msize := fs.String("m", "1G", "memory size: as number[gGmM], optional units, defaults to G")
	tc := fs.String("T", "0", "how many instructions to skip between trace prints -- 0 means tracing disabled")

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	var err error

	if c.MemSize, err = ParseSize(*msize, "g"); err != nil {
		return nil, err
	}

	if c.TraceCount, err = ParseSize(*tc, ""); err != nil {
		return nil, err
	}

	if c.PortForwards, err = parsePortForwards(portForwards); err != nil {
		return nil, err
	}

	if c.SharedFolders, err = parseSharedFolders(sharedFolders); err != nil {
		return nil, err
	}

	if c.SocketPath == "" {
		name := c.Name
		if name == "" {
			name = "default"
		}

		c.SocketPath = fmt.Sprintf("/tmp/gokvm-%s.sock", name)
	}

	return c, nil
}

func progName(args []string) string {
	if len(args) == 0 {
		return "gokvm"
	}

	return args[0]
}

// multiFlag accumulates every occurrence of a repeatable flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)

	return nil
}

func parsePortForwards(raw []string) ([]vmspec.PortForward, error) {
	out := make([]vmspec.PortForward, 0, len(raw))

	for _, r := range raw {
		parts := strings.SplitN(r, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("port-forward %q: want host:guest", r)
		}

		host, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("port-forward %q: host port: %w", r, err)
		}

		guest, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("port-forward %q: guest port: %w", r, err)
		}

		out = append(out, vmspec.PortForward{HostPort: uint16(host), GuestPort: uint16(guest)})
	}

	return out, nil
}

func parseSharedFolders(raw []string) ([]vmspec.SharedFolder, error) {
	out := make([]vmspec.SharedFolder, 0, len(raw))

	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("shared-folder %q: want tag:hostpath[:ro]", r)
		}

		sf := vmspec.SharedFolder{Tag: parts[0], HostPath: parts[1]}
		if len(parts) == 3 && parts[2] == "ro" {
			sf.ReadOnly = true
		}

		out = append(out, sf)
	}

	return out, nil
}
