package codec

import (
	"encoding/binary"
	"fmt"

	"concierge/bridge/internal/types"
)

// Transcoder converts between the telephony encoding (G.711 mu-law, 8 kHz)
// and the speech-model encoding (16-bit little-endian PCM, 24 kHz by
// default). It carries no conversation semantics; the only state is the
// resample carry needed across frame boundaries.
type Transcoder struct {
	telephonyRate int
	speechRate    int
	ratio         int

	// last telephony sample, carried so upsample interpolation is
	// continuous across frames
	lastSample  int16
	primed      bool
	// leftover speech-side samples that did not fill a decimation group
	downCarry []int16
}

// New returns a Transcoder for the given rates. The speech rate must be an
// integer multiple of the telephony rate.
func New(telephonyRate, speechRate int) (*Transcoder, error) {
	if telephonyRate <= 0 || speechRate <= 0 || speechRate%telephonyRate != 0 {
		return nil, fmt.Errorf("unsupported rate pair %d/%d", telephonyRate, speechRate)
	}
	return &Transcoder{
		telephonyRate: telephonyRate,
		speechRate:    speechRate,
		ratio:         speechRate / telephonyRate,
	}, nil
}

// ToSpeech converts one telephony frame (mu-law) into a PCM16 frame at the
// speech-model rate. Frame order within the source is preserved: output
// keeps the input's Seq, Ts and TraceID.
func (t *Transcoder) ToSpeech(f types.AudioFrame) (types.AudioFrame, error) {
	if len(f.Payload) == 0 {
		return types.AudioFrame{}, fmt.Errorf("%w: empty telephony frame seq=%d", types.ErrAudioDecode, f.Seq)
	}

	pcm := make([]int16, len(f.Payload))
	for i, u := range f.Payload {
		pcm[i] = ulawToLinear(u)
	}

	out := make([]byte, 0, len(pcm)*t.ratio*2)
	prev := t.lastSample
	if !t.primed {
		prev = pcm[0]
		t.primed = true
	}
	for _, s := range pcm {
		// linear interpolation from the previous sample
		for k := 1; k <= t.ratio; k++ {
			v := int(prev) + (int(s)-int(prev))*k/t.ratio
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
		}
		prev = s
	}
	t.lastSample = prev

	return types.AudioFrame{
		Source:  f.Source,
		Seq:     f.Seq,
		Ts:      f.Ts,
		Payload: out,
		TraceID: f.TraceID,
	}, nil
}

// ToTelephony converts one speech-model PCM16 frame into mu-law at the
// telephony rate. Samples that do not fill a decimation group are carried
// into the next call, so a frame can legitimately come back shorter.
func (t *Transcoder) ToTelephony(f types.AudioFrame) (types.AudioFrame, error) {
	if len(f.Payload) == 0 || len(f.Payload)%2 != 0 {
		return types.AudioFrame{}, fmt.Errorf("%w: malformed pcm16 frame seq=%d len=%d", types.ErrAudioDecode, f.Seq, len(f.Payload))
	}

	samples := t.downCarry
	for i := 0; i+1 < len(f.Payload); i += 2 {
		samples = append(samples, int16(binary.LittleEndian.Uint16(f.Payload[i:])))
	}

	groups := len(samples) / t.ratio
	out := make([]byte, 0, groups)
	for g := 0; g < groups; g++ {
		sum := 0
		for k := 0; k < t.ratio; k++ {
			sum += int(samples[g*t.ratio+k])
		}
		out = append(out, linearToUlaw(int16(sum/t.ratio)))
	}
	t.downCarry = append(t.downCarry[:0], samples[groups*t.ratio:]...)

	return types.AudioFrame{
		Source:  f.Source,
		Seq:     f.Seq,
		Ts:      f.Ts,
		Payload: out,
		TraceID: f.TraceID,
	}, nil
}

// Reset clears resample carry, used when buffered agent audio is discarded
// on barge-in so stale samples never bleed into the next response.
func (t *Transcoder) Reset() {
	t.lastSample = 0
	t.primed = false
	t.downCarry = t.downCarry[:0]
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + ulawBias
	value <<= uint(exp)
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

func linearToUlaw(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias
	exp := byte(7)
	for mask := 0x4000; (s&mask) == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}
