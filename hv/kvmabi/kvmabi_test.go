package kvmabi_test

import (
	"testing"

	"github.com/nkyriazis/gokvm-mmio/hv/kvmabi"
)

func TestOpenCreateVMCreateVCPU(t *testing.T) {
	t.Parallel()

	k, err := kvmabi.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	vm, err := k.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	vcpu, run, err := k.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	if run == nil {
		t.Fatal("expected non-nil run page")
	}

	if vcpu == 0 {
		t.Fatal("expected non-zero vcpu handle")
	}
}

func TestConfigureCPUIDSucceeds(t *testing.T) {
	t.Parallel()

	k, err := kvmabi.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	vm, err := k.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	vcpu, _, err := k.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := k.ConfigureCPUID(vcpu); err != nil {
		t.Fatal(err)
	}
}

func TestCancelShortCircuitsRun(t *testing.T) {
	t.Parallel()

	k, err := kvmabi.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	vm, err := k.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	vcpu, _, err := k.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	k.Cancel(vcpu)

	reason, err := k.Run(vcpu)
	if err != nil {
		t.Fatal(err)
	}

	if reason.String() != "EXITSHUTDOWN" {
		t.Fatalf("reason = %v, want EXITSHUTDOWN", reason)
	}
}
