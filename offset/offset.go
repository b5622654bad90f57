// Package offset estimates the wall-clock offset between two sites by
// FFT cross-correlation of binned timestamp histograms.
package offset

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Confidence is the qualitative reliability assessment of a peak.
type Confidence string

const (
	High   Confidence = "High"
	Medium Confidence = "Medium"
	Low    Confidence = "Low"
)

// ErrInsufficientData is returned when either input stream is empty.
var ErrInsufficientData = errors.New("offset: insufficient data")

// ErrDegenerateCorrelation is returned when the correlation function has
// zero variance (cannot be normalized into units of sigma).
var ErrDegenerateCorrelation = errors.New("offset: degenerate correlation")

// Params selects the bin width, FFT length, and initial shift guess for
// one estimation regime.
type Params struct {
	TauPs  int64
	N      int
	TShift int64
}

// OfflineParams returns the defaults used for initial offset discovery:
// wide lag range, 2048 ps bins.
func OfflineParams() Params {
	return Params{TauPs: 2048, N: 1 << 20, TShift: 100_000_000_000}
}

// LiveParams returns the defaults used for in-session drift refinement:
// narrow lag range, 4096 ps bins (coarser than the offline preset).
func LiveParams() Params {
	return Params{TauPs: 4096, N: 1 << 17}
}

// Result carries the outcome of a correlation run.
type Result struct {
	Success         bool
	Message         string
	DeltaPs         int64
	PeakIndex       int
	PeakSigma       float64
	SecondPeakSigma float64
	Confidence      Confidence
	NearEdge        bool
}

// Histogram bins a sorted absolute-picosecond timestamp stream into a
// length-N array of complex counts (imaginary part always zero), using
// bin = ((t + TShift) / tau) mod N.
func Histogram(timestamps []uint64, p Params) []complex128 {
	h := make([]complex128, p.N)
	if len(timestamps) == 0 {
		return h
	}
	for _, t := range timestamps {
		shifted := int64(t) + p.TShift
		bin := shifted / p.TauPs
		bin %= int64(p.N)
		if bin < 0 {
			bin += int64(p.N)
		}
		h[bin] += 1
	}
	return h
}

// Correlate computes the normalized circular cross-correlation of two
// histograms and returns the peak offset with a confidence assessment.
func Correlate(hLocal, hRemote []complex128, p Params) Result {
	n := len(hLocal)
	if n == 0 || len(hRemote) != n {
		return Result{Success: false, Message: ErrInsufficientData.Error()}
	}
	if sum(hLocal) == 0 || sum(hRemote) == 0 {
		return Result{Success: false, Message: ErrInsufficientData.Error()}
	}

	fft := fourier.NewCmplxFFT(n)
	a := fft.Coefficients(nil, hLocal)
	b := fft.Coefficients(nil, hRemote)

	cross := make([]complex128, n)
	for i := range cross {
		cross[i] = a[i] * complex(real(b[i]), -imag(b[i]))
	}

	corr := fft.Sequence(nil, cross)
	c := make([]float64, n)
	for i, v := range corr {
		c[i] = real(v) / float64(n)
	}

	mean := meanOf(c)
	std := stddevOf(c, mean)
	if std == 0 {
		return Result{Success: false, Message: ErrDegenerateCorrelation.Error()}
	}

	s := make([]float64, n)
	for i, v := range c {
		s[i] = (v - mean) / std
	}

	peakIdx := argmax(s)
	peakVal := s[peakIdx]

	secondIdx, secondVal := argmaxExcluding(s, peakIdx)
	_ = secondIdx

	ratio := math.Inf(1)
	if secondVal > 0 {
		ratio = peakVal / secondVal
	}

	var confidence Confidence
	switch {
	case peakVal > 4.0 && ratio > 1.5:
		confidence = High
	case peakVal > 3.0 && ratio > 1.2:
		confidence = Medium
	default:
		confidence = Low
	}

	edgeThreshold := int(0.05 * float64(n))
	nearEdge := peakIdx < edgeThreshold || peakIdx > n-edgeThreshold

	delta := p.TauPs * int64(peakIdx)
	if wrapped := p.TauPs * int64(peakIdx-n); absInt64(wrapped) < absInt64(delta) {
		delta = wrapped
	}

	return Result{
		Success:         true,
		DeltaPs:         delta,
		PeakIndex:       peakIdx,
		PeakSigma:       peakVal,
		SecondPeakSigma: secondVal,
		Confidence:      confidence,
		NearEdge:        nearEdge,
	}
}

// MergeStreams concatenates multiple channels' timestamp streams from one
// site and sorts the result, so the estimator can treat them as a single
// cross-site stream.
func MergeStreams(streams ...[]uint64) []uint64 {
	total := 0
	for _, s := range streams {
		total += len(s)
	}
	merged := make([]uint64, 0, total)
	for _, s := range streams {
		merged = append(merged, s...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return merged
}

func sum(h []complex128) float64 {
	var total float64
	for _, v := range h {
		total += real(v)
	}
	return total
}

func meanOf(c []float64) float64 {
	var total float64
	for _, v := range c {
		total += v
	}
	return total / float64(len(c))
}

// stddevOf computes the sample standard deviation (N-1 divisor).
func stddevOf(c []float64, mean float64) float64 {
	if len(c) < 2 {
		return 0
	}
	var sumSq float64
	for _, v := range c {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(c)-1))
}

func argmax(s []float64) int {
	best := 0
	for i, v := range s {
		if v > s[best] {
			best = i
		}
	}
	return best
}

func argmaxExcluding(s []float64, exclude int) (int, float64) {
	best := -1
	bestVal := math.Inf(-1)
	for i, v := range s {
		if i == exclude {
			continue
		}
		if v > bestVal {
			best = i
			bestVal = v
		}
	}
	return best, bestVal
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
