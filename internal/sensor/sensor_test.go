// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sensor

import (
	"errors"
	"testing"
	"time"
)

func Test_Poll_MergesAllProducers(t *testing.T) {
	r := NewRegistry()
	r.Register("a", true, func() (Reading, error) { return Reading{"x": 1}, nil })
	r.Register("b", true, func() (Reading, error) { return Reading{"y": 2}, nil })

	merged, failures := r.Poll(false)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if merged["x"] != 1 || merged["y"] != 2 {
		t.Fatalf("unexpected merge: %+v", merged)
	}
}

func Test_Poll_SkipsNonEssentialInLowPower(t *testing.T) {
	r := NewRegistry()
	r.Register("core", true, func() (Reading, error) { return Reading{"a": 1}, nil })
	r.Register("extra", false, func() (Reading, error) { return Reading{"b": 2}, nil })

	merged, _ := r.Poll(true)
	if _, ok := merged["b"]; ok {
		t.Fatal("non-essential producer ran during low power")
	}
	if merged["a"] != 1 {
		t.Fatalf("essential producer did not run: %+v", merged)
	}
}

func Test_Poll_ProducerErrorDoesNotAbortCycle(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", true, func() (Reading, error) { return nil, errors.New("sensor offline") })
	r.Register("ok", true, func() (Reading, error) { return Reading{"a": 1}, nil })

	merged, failures := r.Poll(false)
	if merged["a"] != 1 {
		t.Fatalf("expected working producer to still contribute: %+v", merged)
	}
	if len(failures) != 1 || failures[0].Name != "broken" {
		t.Fatalf("unexpected failures: %+v", failures)
	}
}

func Test_Unregister_RemovesProducer(t *testing.T) {
	r := NewRegistry()
	r.Register("a", true, func() (Reading, error) { return Reading{"x": 1}, nil })
	r.Unregister("a")

	merged, _ := r.Poll(false)
	if len(merged) != 0 {
		t.Fatalf("expected empty merge after unregister: %+v", merged)
	}
}

type fakeSPI struct {
	r []byte
}

func (f *fakeSPI) Tx(w, r []byte) error {
	copy(r, f.r)
	return nil
}
func (f *fakeSPI) Speed(hz int64) error           { return nil }
func (f *fakeSPI) Configure(mode, bits int) error { return nil }
func (f *fakeSPI) Close() error                   { return nil }

type fakePin struct{ level int }

func (p *fakePin) In(edge int) error              { return nil }
func (p *fakePin) Read() int                      { return p.level }
func (p *fakePin) WaitForEdge(time.Duration) bool { return false }
func (p *fakePin) Out(level int)                  { p.level = level }
func (p *fakePin) Number() int                    { return 0 }

func Test_Thermocouple_ReadsTemperature(t *testing.T) {
	// 25.00 thermocouple degrees, 25.00 internal degrees, no faults.
	spi := &fakeSPI{r: []byte{0x01, 0x90, 0x19, 0x00}}
	cs := &fakePin{}
	tc := NewThermocouple(spi, cs)

	thermoC, internalC, err := tc.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if thermoC != 25.0 {
		t.Fatalf("thermoC = %v, want 25.0", thermoC)
	}
	if internalC != 25.0 {
		t.Fatalf("internalC = %v, want 25.0", internalC)
	}
}

func Test_Thermocouple_DetectsOpenCircuit(t *testing.T) {
	spi := &fakeSPI{r: []byte{0x00, 0x00, 0x00, 0x01}}
	tc := NewThermocouple(spi, &fakePin{})
	if _, _, err := tc.Read(); err == nil {
		t.Fatal("expected open-circuit error")
	}
}
