package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

const (
	frameLength = 2048
	hopLength   = 512
	numMels     = 128

	contrastBands    = 6
	contrastFmin     = 200.0
	contrastQuantile = 0.02

	topDB = 80.0
	amin  = 1e-10
)

// spectrogram holds per-frame power and magnitude spectra of a centered,
// Hann-windowed STFT. Rows are frames.
type spectrogram struct {
	power     [][]float64
	magnitude [][]float64
	bins      int
}

func numFrames(samples int) int {
	return 1 + samples/hopLength
}

// stft zero-pads frameLength/2 on both sides and runs a real FFT per frame.
func stft(y []float64) spectrogram {
	pad := frameLength / 2
	padded := make([]float64, len(y)+2*pad)
	copy(padded[pad:], y)

	window := hann(frameLength)
	fft := fourier.NewFFT(frameLength)
	frames := numFrames(len(y))
	bins := frameLength/2 + 1

	spec := spectrogram{
		power:     make([][]float64, frames),
		magnitude: make([][]float64, frames),
		bins:      bins,
	}
	frame := make([]float64, frameLength)
	coeffs := make([]complex128, bins)
	for t := 0; t < frames; t++ {
		start := t * hopLength
		floats.MulTo(frame, padded[start:start+frameLength], window)
		coeffs = fft.Coefficients(coeffs, frame)
		pw := make([]float64, bins)
		mag := make([]float64, bins)
		for k, c := range coeffs {
			re, im := real(c), imag(c)
			pw[k] = re*re + im*im
			mag[k] = math.Sqrt(pw[k])
		}
		spec.power[t] = pw
		spec.magnitude[t] = mag
	}
	return spec
}

// hann is the periodic Hann window.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

func fftFrequencies(sampleRate, bins int) []float64 {
	out := make([]float64, bins)
	floats.Span(out, 0, float64(sampleRate)/2)
	return out
}

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSp      = 200.0 / 3
	melMinLogHz = 1000.0
	melMinLog   = melMinLogHz / melFSp
)

var melLogStep = math.Log(6.4) / 27

func hzToMel(f float64) float64 {
	if f >= melMinLogHz {
		return melMinLog + math.Log(f/melMinLogHz)/melLogStep
	}
	return f / melFSp
}

func melToHz(m float64) float64 {
	if m >= melMinLog {
		return melMinLogHz * math.Exp(melLogStep*(m-melMinLog))
	}
	return melFSp * m
}

// melBand is one triangular filter stored as its non-zero span.
type melBand struct {
	lo      int
	weights []float64
}

// melFilterbank builds Slaney-normalized triangular filters from 0 Hz to
// Nyquist.
func melFilterbank(sampleRate, bins int) []melBand {
	fftFreqs := fftFrequencies(sampleRate, bins)
	melPts := make([]float64, numMels+2)
	floats.Span(melPts, hzToMel(0), hzToMel(float64(sampleRate)/2))
	hz := make([]float64, len(melPts))
	for i, m := range melPts {
		hz[i] = melToHz(m)
	}

	bank := make([]melBand, numMels)
	for i := 0; i < numMels; i++ {
		lowDiff := hz[i+1] - hz[i]
		highDiff := hz[i+2] - hz[i+1]
		enorm := 2 / (hz[i+2] - hz[i])
		lo, hi := -1, -1
		w := make([]float64, bins)
		for k, f := range fftFreqs {
			lower := (f - hz[i]) / lowDiff
			upper := (hz[i+2] - f) / highDiff
			v := math.Max(0, math.Min(lower, upper)) * enorm
			if v > 0 {
				if lo < 0 {
					lo = k
				}
				hi = k
			}
			w[k] = v
		}
		if lo < 0 {
			bank[i] = melBand{}
			continue
		}
		bank[i] = melBand{lo: lo, weights: w[lo : hi+1]}
	}
	return bank
}

func (b melBand) apply(spectrum []float64) float64 {
	if len(b.weights) == 0 {
		return 0
	}
	return floats.Dot(b.weights, spectrum[b.lo:b.lo+len(b.weights)])
}

// powerToDB converts in place with reference 1.0 and clips everything more
// than topDB below the global maximum.
func powerToDB(m [][]float64) {
	peak := math.Inf(-1)
	for _, row := range m {
		for i, v := range row {
			row[i] = 10 * math.Log10(math.Max(amin, v))
			if row[i] > peak {
				peak = row[i]
			}
		}
	}
	floor := peak - topDB
	for _, row := range m {
		for i, v := range row {
			if v < floor {
				row[i] = floor
			}
		}
	}
}

// dctOrtho returns the first n coefficients of the orthonormal DCT-II of x.
func dctOrtho(x []float64, n int) []float64 {
	size := float64(len(x))
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i, v := range x {
			sum += v * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*size))
		}
		scale := math.Sqrt(2 / size)
		if k == 0 {
			scale = math.Sqrt(1 / size)
		}
		out[k] = sum * scale
	}
	return out
}

// mfccMeans computes MFCCs from the mel power spectrogram and averages them
// over frames.
func mfccMeans(spec spectrogram, sampleRate int) []float64 {
	bank := melFilterbank(sampleRate, spec.bins)
	mel := make([][]float64, len(spec.power))
	for t, frame := range spec.power {
		row := make([]float64, numMels)
		for m, band := range bank {
			row[m] = band.apply(frame)
		}
		mel[t] = row
	}
	powerToDB(mel)

	means := make([]float64, numMFCC)
	for _, row := range mel {
		floats.Add(means, dctOrtho(row, numMFCC))
	}
	floats.Scale(1/float64(len(mel)), means)
	return means
}

// chromaFilterbank builds the pitch-class projection centered on octave 5
// with a two-octave Gaussian weighting, rows starting at C, tuning 0.
func chromaFilterbank(sampleRate, bins int) [][]float64 {
	const (
		ctroct   = 5.0
		octwidth = 2.0
	)
	n := frameLength
	half := math.Round(float64(numChroma) / 2)

	// Bin 0 (DC) is extrapolated 1.5 octaves below bin 1.
	frqbins := make([]float64, n)
	a440 := 440.0
	for k := 1; k < n; k++ {
		f := float64(k) * float64(sampleRate) / float64(n)
		frqbins[k] = numChroma * math.Log2(f/(a440/16))
	}
	frqbins[0] = frqbins[1] - 1.5*numChroma

	widths := make([]float64, n)
	for k := 0; k < n-1; k++ {
		widths[k] = math.Max(frqbins[k+1]-frqbins[k], 1)
	}
	widths[n-1] = 1

	wts := make([][]float64, numChroma)
	for c := range wts {
		wts[c] = make([]float64, n)
	}
	for k := 0; k < n; k++ {
		var norm float64
		for c := 0; c < numChroma; c++ {
			d := frqbins[k] - float64(c)
			d = math.Mod(d+half+10*numChroma, numChroma)
			if d < 0 {
				d += numChroma
			}
			d -= half
			v := math.Exp(-0.5 * math.Pow(2*d/widths[k], 2))
			wts[c][k] = v
			norm += v * v
		}
		norm = math.Sqrt(norm)
		oct := math.Exp(-0.5 * math.Pow((frqbins[k]/numChroma-ctroct)/octwidth, 2))
		for c := 0; c < numChroma; c++ {
			if norm > math.SmallestNonzeroFloat64 {
				wts[c][k] /= norm
			}
			wts[c][k] *= oct
		}
	}

	// Rotate so row 0 is C rather than A.
	rolled := make([][]float64, numChroma)
	for c := range rolled {
		rolled[c] = wts[(c+3)%numChroma][:bins]
	}
	return rolled
}

// chromaMeans projects the power spectrogram onto pitch classes, normalizes
// each frame by its maximum and averages over frames.
func chromaMeans(spec spectrogram, sampleRate int) []float64 {
	bank := chromaFilterbank(sampleRate, spec.bins)
	means := make([]float64, numChroma)
	frame := make([]float64, numChroma)
	for _, pw := range spec.power {
		for c, row := range bank {
			frame[c] = floats.Dot(row, pw)
		}
		if peak := floats.Max(frame); peak > math.SmallestNonzeroFloat64 {
			floats.Scale(1/peak, frame)
		}
		floats.Add(means, frame)
	}
	floats.Scale(1/float64(len(spec.power)), means)
	return means
}

// contrastMeans computes octave-band spectral contrast on the magnitude
// spectrogram: contrastBands bands from contrastFmin plus the residual band
// up to Nyquist.
func contrastMeans(spec spectrogram, sampleRate int) []float64 {
	freqs := fftFrequencies(sampleRate, spec.bins)
	edges := make([]float64, contrastBands+2)
	for i := 1; i < len(edges); i++ {
		edges[i] = contrastFmin * math.Pow(2, float64(i-1))
	}

	frames := len(spec.magnitude)
	peak := make([][]float64, frames)
	valley := make([][]float64, frames)
	for t := range peak {
		peak[t] = make([]float64, numContrast)
		valley[t] = make([]float64, numContrast)
	}

	for k := 0; k < numContrast; k++ {
		lo, hi := -1, -1
		for i, f := range freqs {
			if f >= edges[k] && f <= edges[k+1] {
				if lo < 0 {
					lo = i
				}
				hi = i
			}
		}
		if lo < 0 {
			continue
		}
		if k > 0 && lo > 0 {
			lo--
		}
		if k == contrastBands {
			hi = spec.bins - 1
		}
		count := hi - lo + 1
		subHi := hi
		if k < contrastBands {
			subHi--
		}
		if subHi < lo {
			continue
		}
		take := int(math.Max(math.RoundToEven(contrastQuantile*float64(count)), 1))

		band := make([]float64, subHi-lo+1)
		for t, mag := range spec.magnitude {
			copy(band, mag[lo:subHi+1])
			sort.Float64s(band)
			n := take
			if n > len(band) {
				n = len(band)
			}
			valley[t][k] = floats.Sum(band[:n]) / float64(n)
			peak[t][k] = floats.Sum(band[len(band)-n:]) / float64(n)
		}
	}

	powerToDB(peak)
	powerToDB(valley)
	means := make([]float64, numContrast)
	for t := 0; t < frames; t++ {
		for k := 0; k < numContrast; k++ {
			means[k] += peak[t][k] - valley[t][k]
		}
	}
	floats.Scale(1/float64(frames), means)
	return means
}
