package usbdev

import "testing"

func TestDirectionString(t *testing.T) {
	cases := map[Direction]string{
		Playback:     "playback",
		Capture:      "capture",
		DirectionNone: "none",
	}
	for dir, want := range cases {
		if got := dir.String(); got != want {
			t.Errorf("Direction(%d).String() = %q, want %q", dir, got, want)
		}
	}
}

func TestIODirString(t *testing.T) {
	if In.String() != "in" {
		t.Errorf("In.String() = %q, want %q", In.String(), "in")
	}
	if Out.String() != "out" {
		t.Errorf("Out.String() = %q, want %q", Out.String(), "out")
	}
}
