package sl3

import "github.com/ehrlich-b/sl3/internal/usbdev"

// Direction identifies one of the SL3's two independent PCM streams.
// Defined once in internal/usbdev (the lowest layer that needs it) and
// re-exported here so callers of the root package never import usbdev
// directly just to name a stream.
type Direction = usbdev.Direction

const (
	DirectionNone = usbdev.DirectionNone
	Playback      = usbdev.Playback
	Capture       = usbdev.Capture
)
