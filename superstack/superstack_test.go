package superstack

import (
	"testing"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/inet"
	"github.com/unikernel-go/netstack/nic/simnic"
	"github.com/unikernel-go/netstack/timer"
)

func inetConfig() inet.Config {
	return inet.Config{IPAddr: addr.NewIPv4(10, 0, 0, 1), Netmask: addr.NewIPv4(255, 255, 255, 0)}
}

func TestCreateAndLookup(t *testing.T) {
	r := New()
	drv := simnic.New(addr.MAC{0x02, 0, 0, 0, 0, 1}, 1500, 8)
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)

	cfg := inetConfig()
	in, err := r.Create(0, drv, fc, tm, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := r.Get(0)
	if err != nil || got != in {
		t.Fatalf("Get(0) = %v, %v", got, err)
	}
	byMAC, err := r.GetByMAC(drv.MAC())
	if err != nil || byMAC != in {
		t.Fatalf("GetByMAC = %v, %v", byMAC, err)
	}

	if _, err := r.Create(0, drv, fc, tm, cfg); err != ErrIndexInUse {
		t.Fatalf("second Create(0) err = %v, want ErrIndexInUse", err)
	}
	if _, err := r.Get(1); err != ErrNotFound {
		t.Fatalf("Get(1) err = %v, want ErrNotFound", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	seen := 0
	r.Each(func(index int, got *inet.Inet) { seen++ })
	if seen != 1 {
		t.Errorf("Each visited %d entries, want 1", seen)
	}
}
