package pump

import (
	"math"

	"graal-conv/dsp"
)

// SourceStatus describes one source and its engine.
type SourceStatus struct {
	Name    string          `json:"name"`
	Ended   bool            `json:"ended"`
	Engine  dsp.Status      `json:"-"`
	Active  string          `json:"active"`
	Slots   []string        `json:"slots"`
	Stage   string          `json:"switch"`
	Uploads dsp.UploadStats `json:"uploads"`
}

// Status is a snapshot of the pump.
type Status struct {
	Blocks    uint64         `json:"blocks"`
	Retries   uint64         `json:"retries"`
	Dropped   uint64         `json:"dropped"`
	Underruns uint64         `json:"underruns"`
	Duck      bool           `json:"duck"`
	DuckGain  float64        `json:"duckGain"`
	Meters    []Meter        `json:"meters"`
	Sources   []SourceStatus `json:"sources"`
}

// KernelInfo lists a kernel set a source can switch to.
type KernelInfo struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Channels int    `json:"channels"`
	Length   int    `json:"length"`
}

// Status returns a snapshot of the pump and its engines.
func (p *Pump) Status() Status {
	st := Status{
		Blocks:   p.blocks.Load(),
		Retries:  p.retries.Load(),
		Dropped:  p.dropped.Load(),
		Duck:     p.duck.Load(),
		DuckGain: floatFrom(p.duckGain.Load()),
		Meters:   p.mixer.levels(),
		Sources:  make([]SourceStatus, len(p.sources)),
	}

	if p.mic != nil {
		st.Underruns = p.mic.Underruns()
	}

	for i, s := range p.sources {
		es := s.engine.Status()
		slots := make([]string, len(es.Slots))

		for j, state := range es.Slots {
			slots[j] = state.String()
		}

		st.Sources[i] = SourceStatus{
			Name:    s.name,
			Ended:   s.done.Load(),
			Engine:  es,
			Active:  es.ActiveName,
			Slots:   slots,
			Stage:   es.Switch.String(),
			Uploads: s.uploader.Stats(),
		}
	}

	return st
}

// Kernels returns the kernel sets available to source.
func (p *Pump) Kernels(source int) []KernelInfo {
	if source < 0 || source >= len(p.sources) {
		return nil
	}

	sets := p.sources[source].kernels
	infos := make([]KernelInfo, len(sets))

	for i, k := range sets {
		length := 0
		for _, taps := range k.Taps {
			length = max(length, len(taps))
		}

		infos[i] = KernelInfo{Index: i, Name: k.Name, Channels: len(k.Taps), Length: length}
	}

	return infos
}

// NumSources returns the number of sources.
func (p *Pump) NumSources() int {
	return len(p.sources)
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }

func floatFrom(b uint64) float64 { return math.Float64frombits(b) }
