package serialport

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	if o.Baud != 115200 || o.DataBits != 8 || o.StopBits != 1 || o.Parity != ParityNone {
		t.Errorf("line settings = %+v, want 115200 8N1", o)
	}
	if o.FlowControl {
		t.Error("flow control should be off")
	}
	if o.ReadTimeout != 50*time.Millisecond || o.WriteTimeout != 50*time.Millisecond {
		t.Errorf("timeouts = %v/%v, want 50ms/50ms", o.ReadTimeout, o.WriteTimeout)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"zero baud", func(o *Options) { o.Baud = 0 }},
		{"nine data bits", func(o *Options) { o.DataBits = 9 }},
		{"three stop bits", func(o *Options) { o.StopBits = 3 }},
		{"bad parity", func(o *Options) { o.Parity = "mark" }},
		{"negative timeout", func(o *Options) { o.ReadTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.modify(&o)
			if err := o.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseParity(t *testing.T) {
	for in, want := range map[string]Parity{"none": ParityNone, " ODD ": ParityOdd, "Even": ParityEven} {
		got, err := ParseParity(in)
		if err != nil || got != want {
			t.Errorf("ParseParity(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseParity("space"); err == nil {
		t.Error("expected error for unsupported parity")
	}
}

func TestNewOpener(t *testing.T) {
	for _, d := range []string{"", "jacobsa", "BUGST"} {
		if _, err := NewOpener(d); err != nil {
			t.Errorf("NewOpener(%q): %v", d, err)
		}
	}
	if _, err := NewOpener("tarm"); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("NewOpener(tarm) err = %v, want ErrUnknownDriver", err)
	}
}

func TestOpenErrorUnwraps(t *testing.T) {
	var err error = &OpenError{Name: "COM29", Driver: DriverBugst, Err: os.ErrPermission}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("OpenError should unwrap to its cause")
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Name != "COM29" {
		t.Errorf("errors.As failed: %v", err)
	}
}

func TestOpenRejectsBadOptions(t *testing.T) {
	for _, d := range []string{DriverJacobsa, DriverBugst} {
		op, err := NewOpener(d)
		if err != nil {
			t.Fatal(err)
		}
		opts := DefaultOptions()
		opts.Baud = -1
		_, err = op.Open("/dev/does-not-matter", opts)
		var oe *OpenError
		if !errors.As(err, &oe) || oe.Driver != d {
			t.Errorf("%s: err = %v, want *OpenError from %s", d, err, d)
		}
	}
}
