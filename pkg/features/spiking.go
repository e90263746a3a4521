package features

import (
	"math"

	"github.com/Chaztikov/uncertainpy/pkg/model"
)

// DefaultSpikeThreshold is the membrane potential (mV) above which a trace is spiking.
const DefaultSpikeThreshold = -30.0

// SpikingConfig configures spike detection.
type SpikingConfig struct {
	// Threshold is the detection threshold. Nil selects DefaultSpikeThreshold.
	Threshold *float64

	// AccommodationSkip is the number of initial interspike intervals ignored by the
	// accommodation index. Zero selects min(4, round(0.2*ISIs)).
	AccommodationSkip int
}

// Spike is one detected action potential.
type Spike struct {
	Start, End int     // sample range above threshold, End exclusive
	Peak       int     // sample index of the maximum
	TPeak      float64 // time of the maximum
	VPeak      float64 // value at the maximum
	Width      float64 // full width at half height above threshold
}

// DetectSpikes returns the spikes of the trace (t, v) above threshold. t must be
// increasing and as long as v.
func DetectSpikes(t, v []float64, threshold float64) []Spike {
	var spikes []Spike
	n := len(v)
	for i := 0; i < n; {
		if v[i] <= threshold {
			i++
			continue
		}
		start := i
		for i < n && v[i] > threshold {
			i++
		}
		spikes = append(spikes, newSpike(t, v, start, i, threshold))
	}
	return spikes
}

func newSpike(t, v []float64, start, end int, threshold float64) Spike {
	peak := start
	for i := start; i < end; i++ {
		if v[i] > v[peak] {
			peak = i
		}
	}
	s := Spike{Start: start, End: end, Peak: peak, TPeak: t[peak], VPeak: v[peak]}

	half := threshold + (v[peak]-threshold)/2
	left := crossing(t, v, peak, -1, half)
	right := crossing(t, v, peak, +1, half)
	s.Width = right - left
	return s
}

// crossing walks from peak in direction dir until v drops below level and returns the
// linearly interpolated crossing time, or the end of the trace.
func crossing(t, v []float64, peak, dir int, level float64) float64 {
	i := peak
	for {
		j := i + dir
		if j < 0 || j >= len(v) {
			return t[i]
		}
		if v[j] < level {
			frac := (v[i] - level) / (v[i] - v[j])
			return t[i] + frac*(t[j]-t[i])
		}
		i = j
	}
}

// NewSpiking creates a registry with the spiking features enabled.
func NewSpiking(cfg SpikingConfig) (*Registry, error) {
	s := &spiking{cfg: cfg, threshold: DefaultSpikeThreshold}
	if cfg.Threshold != nil {
		s.threshold = *cfg.Threshold
	}
	return NewRegistry(
		Feature{Name: "nr_spikes", Func: s.nrSpikes, Labels: []string{"number of spikes"}},
		Feature{Name: "spike_rate", Func: s.spikeRate, Labels: []string{"spike rate (1/ms)"}},
		Feature{Name: "time_before_first_spike", Func: s.timeBeforeFirstSpike, Labels: []string{"time (ms)"}},
		Feature{Name: "average_AP_overshoot", Func: s.averageOvershoot, Labels: []string{"voltage (mV)"}},
		Feature{Name: "average_AHP_depth", Func: s.averageAHPDepth, Labels: []string{"voltage (mV)"}},
		Feature{Name: "average_AP_width", Func: s.averageWidth, Labels: []string{"time (ms)"}},
		Feature{Name: "accommodation_index", Func: s.accommodationIndex, Labels: []string{"accommodation index"}},
	)
}

// NewGeneral creates an empty registry for user features.
func NewGeneral() *Registry {
	r, _ := NewRegistry()
	return r
}

type spiking struct {
	cfg       SpikingConfig
	threshold float64
}

func (s *spiking) detect(t, v []float64) ([]Spike, error) {
	if t == nil || len(t) != len(v) || len(v) < 2 {
		return nil, ErrNoResult
	}
	return DetectSpikes(t, v, s.threshold), nil
}

func (s *spiking) nrSpikes(t, v []float64) (model.Output, error) {
	spikes, err := s.detect(t, v)
	if err != nil {
		return model.Output{}, err
	}
	return Scalar(float64(len(spikes)))
}

func (s *spiking) spikeRate(t, v []float64) (model.Output, error) {
	spikes, err := s.detect(t, v)
	if err != nil {
		return model.Output{}, err
	}
	duration := t[len(t)-1] - t[0]
	if duration <= 0 {
		return model.Output{}, ErrNoResult
	}
	return Scalar(float64(len(spikes)) / duration)
}

func (s *spiking) timeBeforeFirstSpike(t, v []float64) (model.Output, error) {
	spikes, err := s.detect(t, v)
	if err != nil || len(spikes) == 0 {
		return model.Output{}, ErrNoResult
	}
	return Scalar(spikes[0].TPeak - t[0])
}

func (s *spiking) averageOvershoot(t, v []float64) (model.Output, error) {
	spikes, err := s.detect(t, v)
	if err != nil || len(spikes) == 0 {
		return model.Output{}, ErrNoResult
	}
	sum := 0.0
	for _, sp := range spikes {
		sum += sp.VPeak
	}
	return Scalar(sum / float64(len(spikes)))
}

func (s *spiking) averageAHPDepth(t, v []float64) (model.Output, error) {
	spikes, err := s.detect(t, v)
	if err != nil || len(spikes) < 2 {
		return model.Output{}, ErrNoResult
	}
	sum := 0.0
	for i := 0; i < len(spikes)-1; i++ {
		lowest := math.Inf(1)
		for j := spikes[i].Peak; j <= spikes[i+1].Peak; j++ {
			lowest = math.Min(lowest, v[j])
		}
		sum += lowest
	}
	return Scalar(sum / float64(len(spikes)-1))
}

func (s *spiking) averageWidth(t, v []float64) (model.Output, error) {
	spikes, err := s.detect(t, v)
	if err != nil || len(spikes) == 0 {
		return model.Output{}, ErrNoResult
	}
	sum := 0.0
	for _, sp := range spikes {
		sum += sp.Width
	}
	return Scalar(sum / float64(len(spikes)))
}

func (s *spiking) accommodationIndex(t, v []float64) (model.Output, error) {
	spikes, err := s.detect(t, v)
	if err != nil || len(spikes) < 3 {
		return model.Output{}, ErrNoResult
	}

	isi := make([]float64, len(spikes)-1)
	for i := range isi {
		isi[i] = spikes[i+1].TPeak - spikes[i].TPeak
	}

	k := s.cfg.AccommodationSkip
	if k <= 0 {
		k = int(math.Min(4, math.Round(0.2*float64(len(isi)))))
	}
	if k < 1 {
		k = 1
	}
	if k >= len(isi) {
		return model.Output{}, ErrNoResult
	}

	sum := 0.0
	for i := k; i < len(isi); i++ {
		sum += (isi[i] - isi[i-1]) / (isi[i] + isi[i-1])
	}
	return Scalar(sum / float64(len(isi)-k))
}
