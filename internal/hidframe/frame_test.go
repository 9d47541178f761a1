package hidframe

import "testing"

func TestBuildHeaderAndPadding(t *testing.T) {
	f, err := Build(CmdSetRate, []byte{0xAC, 0x44})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if f[0] != CmdSetRate {
		t.Errorf("byte[0] = %#x, want %#x", f[0], CmdSetRate)
	}
	want := []byte{0x1C, 0xC5, 0x00, 0x01}
	for i, b := range want {
		if f[1+i] != b {
			t.Errorf("byte[%d] = %#x, want %#x", 1+i, f[1+i], b)
		}
	}
	if f[5] != 0xAC || f[6] != 0x44 {
		t.Errorf("payload not copied at offset 5, got %#x %#x", f[5], f[6])
	}
	for i := 7; i < Size; i++ {
		if f[i] != 0 {
			t.Fatalf("byte[%d] = %#x, want zero padding", i, f[i])
		}
	}
}

func TestBuildRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, Size-headerLen+1)
	if _, err := Build(CmdSetRouting, payload); err == nil {
		t.Error("expected error for payload exceeding frame capacity")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		code         byte
		actualLength int
		want         Kind
	}{
		{"overload full", NotifyOverload, 11, KindOverload},
		{"overload short", NotifyOverload, 10, KindShort},
		{"phono full", NotifyPhono, 8, KindPhono},
		{"phono short", NotifyPhono, 7, KindShort},
		{"usbport full", NotifyUSBPort, 9, KindUSBPort},
		{"usbport short", NotifyUSBPort, 8, KindShort},
		{"unknown code is a response", CmdStatusQuery, 64, KindResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Build(tt.code, nil)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if got := Classify(f, tt.actualLength); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}
