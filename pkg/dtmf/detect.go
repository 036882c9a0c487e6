package dtmf

import "math"

// detection thresholds for the reference decoder.
const (
	// silenceRMS is the RMS level below which a stretch of samples is treated
	// as inter-digit silence.
	silenceRMS = 1000.0

	// minToneSamples is the shortest run of non-silent samples considered a
	// tone burst. At 8 kHz this is 40 ms, the telephony minimum.
	minToneSamples = 320
)

var (
	rowFrequencies = []float64{697, 770, 852, 941}
	colFrequencies = []float64{1209, 1336, 1477}

	keypad = [4][3]rune{
		{'1', '2', '3'},
		{'4', '5', '6'},
		{'7', '8', '9'},
		{'*', '0', '#'},
	}
)

// Detect decodes a touch-tone digit sequence from 16-bit linear PCM samples.
// It segments the audio on silence and classifies each tone burst with the
// Goertzel algorithm against the standard row and column frequencies.
//
// Detect assumes clean, synthesised input (such as the output of Generate);
// it makes no attempt at twist or talk-off rejection.
func Detect(samples []int16, sampleRate int) string {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	var digits []rune
	// Walk the buffer in 10 ms frames, grouping consecutive loud frames into
	// tone bursts.
	frame := sampleRate / 100
	if frame == 0 {
		frame = 1
	}

	burstStart := -1
	for pos := 0; pos < len(samples); pos += frame {
		end := pos + frame
		if end > len(samples) {
			end = len(samples)
		}
		loud := rms(samples[pos:end]) >= silenceRMS

		switch {
		case loud && burstStart < 0:
			burstStart = pos
		case !loud && burstStart >= 0:
			if pos-burstStart >= minToneSamples {
				if d, ok := classify(samples[burstStart:pos], sampleRate); ok {
					digits = append(digits, d)
				}
			}
			burstStart = -1
		}
	}
	if burstStart >= 0 && len(samples)-burstStart >= minToneSamples {
		if d, ok := classify(samples[burstStart:], sampleRate); ok {
			digits = append(digits, d)
		}
	}
	return string(digits)
}

// classify picks the dominant row and column frequency within a tone burst.
func classify(burst []int16, sampleRate int) (rune, bool) {
	row, rowPower := strongest(burst, sampleRate, rowFrequencies)
	col, colPower := strongest(burst, sampleRate, colFrequencies)
	if rowPower <= 0 || colPower <= 0 {
		return 0, false
	}
	return keypad[row][col], true
}

// strongest returns the index of the frequency with the highest Goertzel
// power over the burst, along with that power.
func strongest(burst []int16, sampleRate int, freqs []float64) (int, float64) {
	best, bestPower := -1, 0.0
	for i, f := range freqs {
		if p := goertzelPower(burst, sampleRate, f); p > bestPower {
			best, bestPower = i, p
		}
	}
	return best, bestPower
}

// goertzelPower computes the signal power at target Hz using the Goertzel
// algorithm, a single-bin DFT well suited to tone detection.
func goertzelPower(samples []int16, sampleRate int, target float64) float64 {
	coeff := 2 * math.Cos(2*math.Pi*target/float64(sampleRate))
	var s0, s1, s2 float64
	for _, sample := range samples {
		s0 = float64(sample) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
