package codec

import (
	"gopkg.in/hraban/opus.v2"
)

// OpusMaxPacketBytes is the largest Opus packet the encoder may produce,
// per RFC 6716.
const OpusMaxPacketBytes = 1275

// OpusFactory builds Opus encoders and decoders for a fixed sample rate
// and channel count, matching the wire-level audio parameters for a
// session. It is the concrete, default collaborator behind Encoder,
// Decoder, DecoderFactory, and EncoderFactory.
type OpusFactory struct {
	SampleRate int
	Channels   int
}

// NewOpusFactory returns a factory for mono (or stereo) Opus codecs at
// sampleRate.
func NewOpusFactory(sampleRate, channels int) *OpusFactory {
	return &OpusFactory{SampleRate: sampleRate, Channels: channels}
}

// NewEncoder implements EncoderFactory.
func (f *OpusFactory) NewEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(f.SampleRate, f.Channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	enc.SetInBandFEC(true)
	enc.SetDTX(true)
	return &opusEncoder{enc: enc}, nil
}

// NewDecoder implements DecoderFactory.
func (f *OpusFactory) NewDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, err
	}
	return &opusDecoder{dec: dec}, nil
}

type opusEncoder struct {
	enc *opus.Encoder
}

func (e *opusEncoder) Encode(pcm []int16, out []byte) (int, error) {
	return e.enc.Encode(pcm, out)
}

func (e *opusEncoder) SetBitrate(bitsPerSecond int) error {
	return e.enc.SetBitrate(bitsPerSecond)
}

func (e *opusEncoder) SetPacketLossPercent(percent int) error {
	return e.enc.SetPacketLossPerc(percent)
}

type opusDecoder struct {
	dec *opus.Decoder
}

func (d *opusDecoder) Decode(payload []byte, pcm []int16) (int, error) {
	return d.dec.Decode(payload, pcm)
}

func (d *opusDecoder) DecodeFEC(payload []byte, pcm []int16) (int, error) {
	if err := d.dec.DecodeFEC(payload, pcm); err != nil {
		return 0, err
	}
	return len(pcm), nil
}

func (d *opusDecoder) Conceal(pcm []int16) (int, error) {
	// A nil payload tells Opus to run its internal packet loss
	// concealment, extrapolating from decoder state.
	return d.dec.Decode(nil, pcm)
}
