package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalise(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{
			name: "zero value gets firmware defaults",
			in:   PortOptions{},
			want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"},
		},
		{
			name: "negative baud falls back to default",
			in:   PortOptions{BaudRate: -5},
			want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"},
		},
		{
			name: "explicit values kept",
			in:   PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"},
			want: PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"},
		},
		{
			name: "parity with whitespace",
			in:   PortOptions{Parity: "  odd "},
			want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "O"},
		},
		{name: "non-standard baud", in: PortOptions{BaudRate: 12345}, wantErr: true},
		{name: "data bits too low", in: PortOptions{DataBits: 4}, wantErr: true},
		{name: "data bits too high", in: PortOptions{DataBits: 9}, wantErr: true},
		{name: "three stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "unknown parity", in: PortOptions{Parity: "X"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.in.Normalise()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Normalise(%+v) expected error, got %+v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalise(%+v) error = %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Normalise(%+v) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestPortOptions_Normalise_HighSpeedRates(t *testing.T) {
	for _, rate := range []int{230400, 250000, 500000, 1000000} {
		got, err := PortOptions{BaudRate: rate}.Normalise()
		if err != nil {
			t.Errorf("baud %d: unexpected error %v", rate, err)
			continue
		}
		if got.BaudRate != rate {
			t.Errorf("baud %d: got %d", rate, got.BaudRate)
		}
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	tests := []struct {
		name     string
		in       PortOptions
		stopBits serial.StopBits
		parity   serial.Parity
	}{
		{"defaults", PortOptions{}, serial.OneStopBit, serial.NoParity},
		{"two stop bits", PortOptions{StopBits: 2}, serial.TwoStopBits, serial.NoParity},
		{"even parity", PortOptions{Parity: "E"}, serial.OneStopBit, serial.EvenParity},
		{"odd parity", PortOptions{Parity: "O"}, serial.OneStopBit, serial.OddParity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mode, err := tc.in.SerialMode()
			if err != nil {
				t.Fatalf("SerialMode() error = %v", err)
			}
			if mode.BaudRate != 115200 && tc.in.BaudRate == 0 {
				t.Errorf("BaudRate = %d, want 115200", mode.BaudRate)
			}
			if mode.StopBits != tc.stopBits {
				t.Errorf("StopBits = %v, want %v", mode.StopBits, tc.stopBits)
			}
			if mode.Parity != tc.parity {
				t.Errorf("Parity = %v, want %v", mode.Parity, tc.parity)
			}
		})
	}

	if _, err := (PortOptions{BaudRate: 12345}).SerialMode(); err == nil {
		t.Error("expected error for invalid options")
	}
}
