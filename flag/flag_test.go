package flag_test

import (
	"testing"

	"github.com/nkyriazis/gokvm-mmio/flag"
)

func TestParseArg(t *testing.T) {
	t.Parallel()

	args := []string{
		"gokvm",
		"-i",
		"initrd_path",
		"-k",
		"kernel_path",
		"-p",
		"params",
		"-t",
		"tap_if_name",
		"-c",
		"2",
		"-d",
		"disk_path",
	}

	c, err := flag.Parse(args)
	if err != nil {
		t.Fatal(err)
	}

	if c.KVMPath != "/dev/kvm" {
		t.Error("invalid kvm path")
	}

	if c.Kernel != "kernel_path" {
		t.Error("invalid kernel image path")
	}

	if c.Initrd != "initrd_path" {
		t.Error("invalid initrd path")
	}

	if c.Params != "params" {
		t.Error("invalid kernel command-line parameters")
	}

	if c.TapIfName != "tap_if_name" {
		t.Error("invalid name of tap interface")
	}

	if c.Disk != "disk_path" {
		t.Error("invalid path of disk file")
	}

	if c.NCPUs != 2 {
		t.Error("invalid number of vcpus")
	}
}

func TestParseArgDefaults(t *testing.T) {
	t.Parallel()

	c, err := flag.Parse([]string{"gokvm"})
	if err != nil {
		t.Fatal(err)
	}

	if c.MemSize != 1<<30 {
		t.Errorf("MemSize = %d, want 1G", c.MemSize)
	}

	if c.TraceCount != 0 {
		t.Errorf("TraceCount = %d, want 0", c.TraceCount)
	}

	if c.SocketPath != "/tmp/gokvm-default.sock" {
		t.Errorf("SocketPath = %q, want default socket path", c.SocketPath)
	}

	if c.NAT {
		t.Error("NAT should default to false")
	}
}

func TestParseArgNetworkFlags(t *testing.T) {
	t.Parallel()

	args := []string{
		"gokvm",
		"-name", "web",
		"-nat",
		"-port-forward", "8080:80",
		"-port-forward", "2222:22",
		"-shared-folder", "share0:/srv:ro",
	}

	c, err := flag.Parse(args)
	if err != nil {
		t.Fatal(err)
	}

	if !c.NAT {
		t.Error("expected NAT to be enabled")
	}

	if c.SocketPath != "/tmp/gokvm-web.sock" {
		t.Errorf("SocketPath = %q, want name-derived default", c.SocketPath)
	}

	if len(c.PortForwards) != 2 || c.PortForwards[0].HostPort != 8080 || c.PortForwards[0].GuestPort != 80 {
		t.Fatalf("unexpected port forwards: %+v", c.PortForwards)
	}

	if len(c.SharedFolders) != 1 || c.SharedFolders[0].Tag != "share0" || !c.SharedFolders[0].ReadOnly {
		t.Fatalf("unexpected shared folders: %+v", c.SharedFolders)
	}
}

func TestParseArgRejectsMalformedPortForward(t *testing.T) {
	t.Parallel()

	if _, err := flag.Parse([]string{"gokvm", "-port-forward", "not-a-port-pair"}); err == nil {
		t.Fatal("expected an error for a malformed port-forward flag")
	}
}
