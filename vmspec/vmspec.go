// Package vmspec is the persisted, declarative counterpart to vm.Config: a
// directory per VM holding a YAML file that names everything needed to
// construct and reach it again across process restarts (cpu/memory shape,
// disk/kernel/initrd paths, and networking: NAT enable, port forwards, and
// shared folders). It is the construction-time data the CLI and any future
// control surface build a vm.Config from.
package vmspec

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nkyriazis/gokvm-mmio/ioerr"
)

// PortForward maps one host TCP port onto one guest TCP port, the
// persisted form of netfwd.Forward.
type PortForward struct {
	HostPort  uint16 `yaml:"host_port"`
	GuestPort uint16 `yaml:"guest_port"`
}

// SharedFolder describes a host directory a guest agent is expected to
// mount, tagged the way virtio-9p/virtiofs tags identify a share. Mounting
// it is out of scope here; vmspec only persists the declaration.
type SharedFolder struct {
	Tag      string `yaml:"tag"`
	HostPath string `yaml:"host_path"`
	ReadOnly bool   `yaml:"readonly"`
}

// Spec is the full declarative description of one VM, marshaled to
// spec.yaml inside its directory.
type Spec struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`

	CPUCount int `yaml:"cpu_count"`
	MemoryMB int `yaml:"memory_mb"`

	DiskPath   string `yaml:"disk_path,omitempty"`
	KernelPath string `yaml:"kernel_path"`
	InitrdPath string `yaml:"initrd_path"`
	CmdLine    string `yaml:"cmdline"`

	NAT           bool           `yaml:"nat"`
	PortForwards  []PortForward  `yaml:"port_forwards,omitempty"`
	SharedFolders []SharedFolder `yaml:"shared_folders,omitempty"`
}

const specFileName = "spec.yaml"

// New fills in CPUCount/MemoryMB defaults and assigns a fresh random ID
// (Save fills in an ID left empty), matching the teacher's flag package's own
// size/unit defaults (1 cpu, 1G memory).
func New(name string) *Spec {
	return &Spec{
		Name:     name,
		ID:       uuid.NewString(),
		CPUCount: 1,
		MemoryMB: 1024,
	}
}

// Save writes Spec as YAML to <dir>/spec.yaml, creating dir if needed.
func (s *Spec) Save(dir string) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create vm spec dir %s: %w", ioerr.ErrInvalidSpec, dir, err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal vm spec: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, specFileName), data, 0o644); err != nil {
		return fmt.Errorf("%w: write vm spec: %w", ioerr.ErrInvalidSpec, err)
	}

	return nil
}

// Load reads and parses <dir>/spec.yaml.
func Load(dir string) (*Spec, error) {
	data, err := os.ReadFile(filepath.Join(dir, specFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: read vm spec: %w", ioerr.ErrInvalidSpec, err)
	}

	var s Spec

	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parse vm spec: %w", ioerr.ErrInvalidSpec, err)
	}

	if s.CPUCount <= 0 {
		return nil, fmt.Errorf("%w: non-positive cpu_count in %s", ioerr.ErrInvalidSpec, dir)
	}

	if s.MemoryMB <= 0 {
		return nil, fmt.Errorf("%w: non-positive memory_mb in %s", ioerr.ErrInvalidSpec, dir)
	}

	return &s, nil
}

// MemSizeBytes converts MemoryMB into the byte count vm.Config.MemSize
// wants.
func (s *Spec) MemSizeBytes() int {
	return s.MemoryMB << 20
}
