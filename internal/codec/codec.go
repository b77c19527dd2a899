// Package codec defines the capability interface that keeps the encoded
// audio payload opaque to the rest of the system: the jitter buffer, the
// mixer, and the audio loop all talk to an Encoder/Decoder pair through
// this interface and never import a concrete codec package directly.
//
// A concrete implementation is selected once at session start (see
// OpusFactory) and handed to the jitter buffer / mixer as an abstract
// handle: the jitter buffer holds a Decoder, not a codec package.
package codec

// Encoder turns linear PCM frames into an encoded payload ready to embed
// in a media datagram.
type Encoder interface {
	// Encode encodes one frame of mono 16-bit PCM into out, returning the
	// number of bytes written.
	Encode(pcm []int16, out []byte) (int, error)
	SetBitrate(bitsPerSecond int) error
	SetPacketLossPercent(percent int) error
}

// Decoder turns an encoded payload back into linear PCM, and can conceal
// a missing frame when no payload arrived.
type Decoder interface {
	// Decode decodes payload into pcm, returning the sample count. pcm
	// must be sized for one full frame.
	Decode(payload []byte, pcm []int16) (int, error)
	// DecodeFEC recovers a frame embedded as forward-error-correction data
	// in a later payload, when the codec supports it.
	DecodeFEC(payload []byte, pcm []int16) (int, error)
	// Conceal synthesizes one frame of plausible audio when neither a
	// payload nor FEC data is available. Implementations that cannot
	// conceal fill pcm with zeroes and return the full frame length.
	Conceal(pcm []int16) (int, error)
}

// DecoderFactory creates fresh, independent Decoder instances. The mixer
// uses this to give every per-source stream entry its own decoder state,
// since Opus (and most codecs) carry per-stream history that must not be
// shared across senders.
type DecoderFactory interface {
	NewDecoder() (Decoder, error)
}

// EncoderFactory creates a fresh Encoder. Used by the capture side of the
// audio loop; a single Encoder is normally reused for the lifetime of the
// local capture stream.
type EncoderFactory interface {
	NewEncoder() (Encoder, error)
}
