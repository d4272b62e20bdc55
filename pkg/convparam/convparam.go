// Package convparam describes an N-D grouped convolution problem: tensor
// lengths in G, N, C, spatial order, output geometry and the work it implies.
package convparam

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
)

var ErrInvalidParams = errors.New("invalid convolution parameters")

// Params is a grouped convolution: input [G, N, C, Hi...], weight
// [G, K, C, Y...] and output [G, N, K, Ho...], with C and K counted per group.
type Params struct {
	NumSpatialDims int `json:"num_spatial_dims" yaml:"num_spatial_dims"`
	G              int `json:"g" yaml:"g"`
	N              int `json:"n" yaml:"n"`
	K              int `json:"k" yaml:"k"`
	C              int `json:"c" yaml:"c"`

	FilterLengths []int `json:"filter" yaml:"filter"`
	InputLengths  []int `json:"input" yaml:"input"`
	Strides       []int `json:"strides,omitempty" yaml:"strides,omitempty"`
	Dilations     []int `json:"dilations,omitempty" yaml:"dilations,omitempty"`
	LeftPads      []int `json:"left_pads,omitempty" yaml:"left_pads,omitempty"`
	RightPads     []int `json:"right_pads,omitempty" yaml:"right_pads,omitempty"`
}

// WithDefaults fills an unset spatial rank from the input lengths, unit
// strides and dilations, and zero pads.
func (p Params) WithDefaults() Params {
	if p.NumSpatialDims == 0 {
		p.NumSpatialDims = len(p.InputLengths)
	}
	fill := func(xs []int, v int) []int {
		if xs != nil {
			return xs
		}
		out := make([]int, p.NumSpatialDims)
		for i := range out {
			out[i] = v
		}
		return out
	}
	if p.G == 0 {
		p.G = 1
	}
	p.Strides = fill(p.Strides, 1)
	p.Dilations = fill(p.Dilations, 1)
	p.LeftPads = fill(p.LeftPads, 0)
	p.RightPads = fill(p.RightPads, 0)
	return p
}

// Validate checks ranks, positivity and that every output length is positive.
func (p Params) Validate() error {
	nd := p.NumSpatialDims
	if nd < 1 || nd > 3 {
		return errors.Wrapf(ErrInvalidParams, "%d spatial dims", nd)
	}
	if p.G < 1 || p.N < 1 || p.K < 1 || p.C < 1 {
		return errors.Wrapf(ErrInvalidParams, "G=%d N=%d K=%d C=%d", p.G, p.N, p.K, p.C)
	}
	for name, v := range map[string][]int{
		"filter lengths": p.FilterLengths,
		"input lengths":  p.InputLengths,
		"strides":        p.Strides,
		"dilations":      p.Dilations,
		"left pads":      p.LeftPads,
		"right pads":     p.RightPads,
	} {
		if len(v) != nd {
			return errors.Wrapf(ErrInvalidParams, "%s has rank %d, want %d", name, len(v), nd)
		}
	}
	for i := range nd {
		if p.FilterLengths[i] < 1 || p.InputLengths[i] < 1 || p.Strides[i] < 1 || p.Dilations[i] < 1 {
			return errors.Wrapf(ErrInvalidParams, "spatial dim %d", i)
		}
		if p.LeftPads[i] < 0 || p.RightPads[i] < 0 {
			return errors.Wrapf(ErrInvalidParams, "negative pad in spatial dim %d", i)
		}
	}
	for i, o := range p.OutputLengths() {
		if o < 1 {
			return errors.Wrapf(ErrInvalidParams, "output length %d in spatial dim %d", o, i)
		}
	}
	return nil
}

// OutputLengths returns Ho... = (Hi + pads - dilated filter) / stride + 1.
func (p Params) OutputLengths() []int {
	out := make([]int, p.NumSpatialDims)
	for i := range out {
		eff := p.Dilations[i]*(p.FilterLengths[i]-1) + 1
		padded := p.InputLengths[i] + p.LeftPads[i] + p.RightPads[i]
		if padded < eff {
			out[i] = 0
			continue
		}
		out[i] = (padded-eff)/p.Strides[i] + 1
	}
	return out
}

// InputGNC returns the logical input lengths [G, N, C, Hi...].
func (p Params) InputGNC() []int { return concat([]int{p.G, p.N, p.C}, p.InputLengths) }

// WeightGKC returns the logical weight lengths [G, K, C, Y...].
func (p Params) WeightGKC() []int { return concat([]int{p.G, p.K, p.C}, p.FilterLengths) }

// OutputGNK returns the logical output lengths [G, N, K, Ho...].
func (p Params) OutputGNK() []int { return concat([]int{p.G, p.N, p.K}, p.OutputLengths()) }

// IsFilter1x1Pad0 reports a 1x1 filter with no padding.
func (p Params) IsFilter1x1Pad0() bool {
	for i := range p.NumSpatialDims {
		if p.FilterLengths[i] != 1 || p.LeftPads[i] != 0 || p.RightPads[i] != 0 {
			return false
		}
	}
	return true
}

// IsFilter1x1Stride1Pad0 additionally requires unit strides, making the
// convolution a plain GEMM over the channel dimension.
func (p Params) IsFilter1x1Stride1Pad0() bool {
	if !p.IsFilter1x1Pad0() {
		return false
	}
	for _, s := range p.Strides {
		if s != 1 {
			return false
		}
	}
	return true
}

// GemmSize returns the implicit GEMM problem of the forward pass, per group:
// M = N*Ho..., N = K, K = C*Y...
func (p Params) GemmSize() (m, n, k int) {
	m, k = p.N, p.C
	for _, o := range p.OutputLengths() {
		m *= o
	}
	for _, y := range p.FilterLengths {
		k *= y
	}
	return m, p.K, k
}

// FLOPs counts multiply-adds of the forward pass as two operations.
func (p Params) FLOPs() int64 {
	m, n, k := p.GemmSize()
	return 2 * int64(p.G) * int64(m) * int64(n) * int64(k)
}

// Bytes counts one read of input and weight and one write of output.
func Bytes[In, Wei, Out dtype.Storage](p Params) int64 {
	in := int64(product(p.InputGNC())) * int64(dtype.SizeOf[In]())
	wei := int64(product(p.WeightGKC())) * int64(dtype.SizeOf[Wei]())
	out := int64(product(p.OutputGNK())) * int64(dtype.SizeOf[Out]())
	return in + wei + out
}

func (p Params) String() string {
	return fmt.Sprintf("conv%dd G=%d N=%d K=%d C=%d filter=%v input=%v strides=%v dilations=%v pads=%v/%v",
		p.NumSpatialDims, p.G, p.N, p.K, p.C, p.FilterLengths, p.InputLengths,
		p.Strides, p.Dilations, p.LeftPads, p.RightPads)
}

// ChannelsLastStrides returns strides for logical [G, N, C, S...] lengths
// stored physically as N, S..., G, C (the NHWGC family of layouts). The same
// helper serves weights [G, K, C, Y...] stored as K, Y..., G, C and outputs
// [G, N, K, Ho...] stored as N, Ho..., G, K.
func ChannelsLastStrides(lengths []int) []int {
	nd := len(lengths) - 3
	strides := make([]int, len(lengths))
	s := 1
	strides[2] = s
	s *= lengths[2]
	strides[0] = s
	s *= lengths[0]
	for i := nd - 1; i >= 0; i-- {
		strides[3+i] = s
		s *= lengths[3+i]
	}
	strides[1] = s
	return strides
}

// GroupFirstStrides returns strides for the packed G, N, S..., C layout.
func GroupFirstStrides(lengths []int) []int {
	nd := len(lengths) - 3
	strides := make([]int, len(lengths))
	s := 1
	strides[2] = s
	s *= lengths[2]
	for i := nd - 1; i >= 0; i-- {
		strides[3+i] = s
		s *= lengths[3+i]
	}
	strides[1] = s
	s *= lengths[1]
	strides[0] = s
	return strides
}

func concat(a, b []int) []int {
	return append(append(make([]int, 0, len(a)+len(b)), a...), b...)
}

func product(xs []int) int {
	p := 1
	for _, x := range xs {
		p *= x
	}
	return p
}
