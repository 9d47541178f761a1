package sl3

// RoutingMode selects the signal source for one of the SL3's three
// stereo output pairs.
type RoutingMode int

const (
	RoutingAnalog RoutingMode = 0
	RoutingUSB    RoutingMode = 1
)

func (m RoutingMode) String() string {
	if m == RoutingAnalog {
		return "Analog"
	}
	return "USB"
}

// Config holds the probe-time configuration knobs spec §4.4/§6 name.
// Mirrors the teacher's DeviceParams/DefaultParams pattern: a plain
// struct of tunables with one constructor for sane defaults.
type Config struct {
	// DefaultSampleRate is the module-parameter-equivalent nominal rate
	// the device is set to during probe; must be 44100 or 48000.
	DefaultSampleRate int
	// Label tags the log lines Device itself emits (via
	// logging.Logger.WithTag) so a host running more than one SL3 can
	// tell them apart. Defaults to "sl3" if left empty. The HID channel
	// and the streams log through the untagged default logger.
	Label string
}

// DefaultConfig returns the spec's documented default: 48000 Hz.
func DefaultConfig() Config {
	return Config{DefaultSampleRate: DefaultSampleRate}
}

func (c Config) validate() error {
	if c.DefaultSampleRate != 44100 && c.DefaultSampleRate != 48000 {
		return NewError("Probe", ErrCodeInvalidArgument, "default sample rate must be 44100 or 48000")
	}
	return nil
}
