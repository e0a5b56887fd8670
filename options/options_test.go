package options

import (
	"testing"
	"time"
)

func TestDefaultsAndOverrides(t *testing.T) {
	var (
		optBool = NewBoolOption(true)
		optInt  = NewIntOption(42)
		optU16  = NewUint16Option(8)
		optDur  = NewTimeDurationOption(5 * time.Second)
	)

	empty := NewOptions()
	if !optBool.ValueFrom(empty) || optInt.ValueFrom(empty) != 42 ||
		optU16.ValueFrom(empty) != 8 || optDur.ValueFrom(empty) != 5*time.Second {
		t.Fatal("defaults not honored")
	}

	set := NewOptionsWithValues(OptionValues{
		optBool: false,
		optInt:  7,
	})
	if optBool.ValueFrom(set) || optInt.ValueFrom(set) != 7 {
		t.Error("explicit values not honored")
	}
	if optU16.ValueFrom(set) != 8 {
		t.Error("unset option lost its default")
	}

	// fallback chain: first set wins
	upstream := NewOptions().WithOption(optInt, 99)
	if optInt.ValueFrom(empty, upstream) != 99 {
		t.Error("fallback set ignored")
	}
	if optInt.ValueFrom(set, upstream) != 7 {
		t.Error("primary set not preferred")
	}
}

func TestValidation(t *testing.T) {
	optInt := NewIntOption(0)
	opts := NewOptions()
	if err := opts.SetOption(optInt, "not an int"); err != ErrInvalidOptionValue {
		t.Fatalf("err = %v", err)
	}
	if err := opts.SetOption(optInt, 3); err != nil {
		t.Fatalf("valid value rejected: %s", err)
	}
	if vals := opts.OptionValues(); len(vals) != 1 {
		t.Errorf("option values = %v", vals)
	}
}
