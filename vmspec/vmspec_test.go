package vmspec_test

import (
	"path/filepath"
	"testing"

	"github.com/nkyriazis/gokvm-mmio/vmspec"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s := vmspec.New("web-vm")
	s.KernelPath = "bzImage"
	s.InitrdPath = "initrd"
	s.CmdLine = "console=ttyS0"
	s.DiskPath = "disk.img"
	s.NAT = true
	s.PortForwards = []vmspec.PortForward{{HostPort: 8080, GuestPort: 80}}
	s.SharedFolders = []vmspec.SharedFolder{{Tag: "share0", HostPath: "/srv", ReadOnly: true}}

	if err := s.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := vmspec.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.Name != s.Name || got.ID != s.ID {
		t.Fatalf("Name/ID mismatch: got %+v, want %+v", got, s)
	}

	if got.CPUCount != 1 || got.MemoryMB != 1024 {
		t.Fatalf("unexpected defaults: %+v", got)
	}

	if len(got.PortForwards) != 1 || got.PortForwards[0].HostPort != 8080 {
		t.Fatalf("port forwards not round-tripped: %+v", got.PortForwards)
	}

	if len(got.SharedFolders) != 1 || got.SharedFolders[0].Tag != "share0" {
		t.Fatalf("shared folders not round-tripped: %+v", got.SharedFolders)
	}
}

func TestNewAssignsDistinctIDs(t *testing.T) {
	t.Parallel()

	a := vmspec.New("a")
	b := vmspec.New("b")

	if a.ID == "" || b.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct non-empty IDs, got %q and %q", a.ID, b.ID)
	}
}

func TestLoadRejectsNonPositiveCPUCount(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s := &vmspec.Spec{Name: "bad", ID: "x", CPUCount: 0, MemoryMB: 512}
	if err := s.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := vmspec.Load(dir); err == nil {
		t.Fatalf("expected Load to reject cpu_count=0")
	}
}

func TestLoadMissingDir(t *testing.T) {
	t.Parallel()

	if _, err := vmspec.Load(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatalf("expected Load to fail on a missing spec directory")
	}
}

func TestMemSizeBytes(t *testing.T) {
	t.Parallel()

	s := &vmspec.Spec{MemoryMB: 256}
	if got, want := s.MemSizeBytes(), 256<<20; got != want {
		t.Fatalf("MemSizeBytes() = %d, want %d", got, want)
	}
}
