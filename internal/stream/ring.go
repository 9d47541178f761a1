package stream

// Ring is the host PCM ring buffer a Stream copies audio into or out
// of. The real implementation lives in the host audio subsystem (out
// of scope for this driver); this is the seam the streaming engine
// programs against, and what tests substitute a plain circular byte
// buffer for.
type Ring interface {
	// ReadFrames copies frames frames (frames*FrameSize bytes) starting
	// at frameOffset (wrapped modulo the ring's frame capacity) into
	// dst, for a playback fill.
	ReadFrames(dst []byte, frameOffset uint32, frames int)
	// WriteFrames copies src (frames*FrameSize bytes) into the ring
	// starting at frameOffset (wrapped modulo the ring's frame
	// capacity), for a capture intake.
	WriteFrames(src []byte, frameOffset uint32, frames int)
}
