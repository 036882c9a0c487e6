package audio

import (
	"math"
	"testing"
)

func TestULawRoundTrip(t *testing.T) {
	// u-law is lossy; round-tripping through encode+decode must stay within
	// the quantisation error of the matching segment.
	for _, sample := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000} {
		encoded := EncodeULaw([]int16{sample})
		decoded := DecodeULaw(encoded)
		if len(decoded) != 1 {
			t.Fatalf("decoded length: got %d, want 1", len(decoded))
		}
		diff := math.Abs(float64(decoded[0]) - float64(sample))
		// Quantisation step grows with magnitude; allow 3% of the sample plus
		// the minimum step size.
		tolerance := math.Abs(float64(sample))*0.03 + 33
		if diff > tolerance {
			t.Errorf("sample %d: decoded to %d (error %.0f > %.0f)", sample, decoded[0], diff, tolerance)
		}
	}
}

func TestULawStable(t *testing.T) {
	// Encoding the decoded value of any u-law byte must reproduce that byte.
	for i := 0; i < 256; i++ {
		b := uint8(i)
		sample := DecodeULaw([]byte{b})[0]
		if got := EncodeULaw([]int16{sample})[0]; got != b {
			t.Errorf("byte %#x decoded to %d, re-encoded to %#x", b, sample, got)
		}
	}
}

func TestPCM16Bytes(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 256, -257}
	packed := PCM16ToBytes(samples)
	if len(packed) != len(samples)*2 {
		t.Fatalf("packed length: got %d, want %d", len(packed), len(samples)*2)
	}
	unpacked := BytesToPCM16(packed)
	for i, s := range samples {
		if unpacked[i] != s {
			t.Errorf("sample %d: got %d, want %d", i, unpacked[i], s)
		}
	}
}

func TestBytesToPCM16_OddTrailingByte(t *testing.T) {
	got := BytesToPCM16([]byte{0x01, 0x02, 0x03})
	if len(got) != 1 {
		t.Fatalf("length: got %d, want 1", len(got))
	}
	if got[0] != 0x0201 {
		t.Errorf("sample: got %#x, want 0x0201", got[0])
	}
}

func TestResampleMono16(t *testing.T) {
	in := []int16{0, 100, 200, 300}

	t.Run("same rate is identity", func(t *testing.T) {
		out := ResampleMono16(in, 8000, 8000)
		if len(out) != len(in) {
			t.Fatalf("length: got %d, want %d", len(out), len(in))
		}
	})

	t.Run("upsample doubles length", func(t *testing.T) {
		out := ResampleMono16(in, 8000, 16000)
		if len(out) != 8 {
			t.Fatalf("length: got %d, want 8", len(out))
		}
		// Interpolated midpoints between consecutive samples.
		if out[0] != 0 || out[1] != 50 || out[2] != 100 {
			t.Errorf("head samples: got %v", out[:3])
		}
	})

	t.Run("downsample halves length", func(t *testing.T) {
		out := ResampleMono16(in, 16000, 8000)
		if len(out) != 2 {
			t.Fatalf("length: got %d, want 2", len(out))
		}
		if out[0] != 0 || out[1] != 200 {
			t.Errorf("samples: got %v", out)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if out := ResampleMono16(nil, 8000, 16000); len(out) != 0 {
			t.Errorf("got %d samples, want 0", len(out))
		}
	})
}
