package profiler

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/internal/reference"
	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/deviceop"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/instance"
)

// ErrBadRequest is wrapped by every error caused by the request itself.
var ErrBadRequest = errors.New("bad profile request")

// Request is one problem to profile. Which size fields are read depends on
// the family:
//
//	gemm, gemm_splitk, gemm_bias_add_reduce: M, N, K (Layout, KBatch)
//	conv_fwd, conv_bwd_data, conv_bwd_weight: Conv (KBatch)
//	softmax, reduce: Lengths, ReduceDims
//	permute, batchnorm_infer: Lengths (channels-last move of dim 1 for permute)
//	attention: Lengths = [G0, G1], M, N, K, O
type Request struct {
	Family   string `json:"family" yaml:"family"`
	DataType string `json:"dtype,omitempty" yaml:"dtype"`
	// Layout is two letters, r or c, for A and B. Defaults to "rr".
	Layout string `json:"layout,omitempty" yaml:"layout"`

	M      int `json:"m,omitempty" yaml:"m"`
	N      int `json:"n,omitempty" yaml:"n"`
	K      int `json:"k,omitempty" yaml:"k"`
	O      int `json:"o,omitempty" yaml:"o"`
	KBatch int `json:"k_batch,omitempty" yaml:"k_batch"`

	Conv       *convparam.Params `json:"conv,omitempty" yaml:"conv"`
	Lengths    []int             `json:"lengths,omitempty" yaml:"lengths"`
	ReduceDims []int             `json:"reduce_dims,omitempty" yaml:"reduce_dims"`

	// Instance restricts the sweep to one named instance.
	Instance string `json:"instance,omitempty" yaml:"instance"`
	Init     string `json:"init,omitempty" yaml:"init"`
	Seed     uint64 `json:"seed,omitempty" yaml:"seed"`
	Verify   bool   `json:"verify,omitempty" yaml:"verify"`
}

func badRequest(format string, args ...any) error {
	return errors.Wrapf(ErrBadRequest, format, args...)
}

// Problem describes the sizes of r for reports.
func (r Request) Problem() string {
	switch r.Family {
	case instance.FamilyGemm, instance.FamilyGemmSplitK, instance.FamilyGemmBiasAddReduce:
		s := fmt.Sprintf("%dx%dx%d %s", r.M, r.N, r.K, r.layout())
		if r.KBatch > 1 {
			s += fmt.Sprintf(" kbatch=%d", r.KBatch)
		}
		return s
	case instance.FamilyConvFwd, instance.FamilyConvBwdData, instance.FamilyConvBwdWeight:
		if r.Conv == nil {
			return "conv(?)"
		}
		return r.Conv.WithDefaults().String()
	case instance.FamilySoftmax, instance.FamilyReduce:
		return fmt.Sprintf("%v reduce %v", r.Lengths, r.ReduceDims)
	case instance.FamilyAttention:
		return fmt.Sprintf("heads %v M=%d N=%d K=%d O=%d", r.Lengths, r.M, r.N, r.K, r.O)
	}
	return fmt.Sprint(r.Lengths)
}

func (r Request) layout() string {
	if r.Layout == "" {
		return "rr"
	}
	return strings.ToLower(r.Layout)
}

func (r Request) layouts() (la, lb deviceop.Layout, err error) {
	l := r.layout()
	if len(l) != 2 {
		return 0, 0, badRequest("layout %q: want two of r/c", r.Layout)
	}
	if err := la.UnmarshalText([]byte{l[0]}); err != nil {
		return 0, 0, badRequest("layout %q", r.Layout)
	}
	if err := lb.UnmarshalText([]byte{l[1]}); err != nil {
		return 0, 0, badRequest("layout %q", r.Layout)
	}
	return la, lb, nil
}

// Execute builds r's operands on the host, profiles every matching instance
// of tab on dev and, with r.Verify, checks each run against the reference.
func Execute(ctx context.Context, dev *gpu.Device, tab *instance.Table, r Request, opts Options) (*Report, error) {
	gen, err := hosttensor.ParseInit(orDefault(r.Init, "integer"))
	if err != nil {
		return nil, badRequest("%v", err)
	}
	dt, err := dtype.Parse(orDefault(r.DataType, "f16"))
	if err != nil {
		return nil, badRequest("%v", err)
	}
	e := exec{ctx: ctx, dev: dev, r: r, gen: gen, opts: opts}

	switch r.Family {
	case instance.FamilyGemm:
		la, lb, err := r.layouts()
		if err != nil {
			return nil, err
		}
		switch dt {
		case dtype.F16:
			return profileGemm(e, la, lb, instance.Gemms[float16.Float16, float32, float16.Float16](tab, la, lb))
		case dtype.BF16:
			return profileGemm(e, la, lb, instance.Gemms[bfloat16.BFloat16, float32, bfloat16.BFloat16](tab, la, lb))
		case dtype.F32:
			return profileGemm(e, la, lb, instance.Gemms[float32, float32, float32](tab, la, lb))
		case dtype.F64:
			return profileGemm(e, la, lb, instance.Gemms[float64, float64, float64](tab, la, lb))
		case dtype.I8:
			return profileGemm(e, la, lb, instance.Gemms[int8, int32, int8](tab, la, lb))
		}
	case instance.FamilyGemmSplitK:
		la, lb, err := r.layouts()
		if err != nil {
			return nil, err
		}
		switch dt {
		case dtype.F16:
			return profileGemm(e, la, lb, instance.GemmSplitKs[float16.Float16, float32, float32](tab, la, lb))
		case dtype.F32:
			return profileGemm(e, la, lb, instance.GemmSplitKs[float32, float32, float32](tab, la, lb))
		}
	case instance.FamilyGemmBiasAddReduce:
		if dt == dtype.F16 {
			return profileGemmReduce(e, instance.GemmBiasAddReduces[float16.Float16, float32, float16.Float16, float32](tab, deviceop.RowMajor, deviceop.RowMajor))
		}
	case instance.FamilyConvFwd:
		switch dt {
		case dtype.F16:
			return profileConvFwd(e, instance.ConvFwds[float16.Float16, float32, float16.Float16](tab))
		case dtype.F32:
			return profileConvFwd(e, instance.ConvFwds[float32, float32, float32](tab))
		}
	case instance.FamilyConvBwdData:
		if dt == dtype.F16 {
			return profileConvBwdData(e, instance.ConvBwdDatas[float16.Float16, float32, float16.Float16](tab))
		}
	case instance.FamilyConvBwdWeight:
		if dt == dtype.F16 {
			return profileConvBwdWeight(e, instance.ConvBwdWeights[float16.Float16, float32, float32](tab))
		}
	case instance.FamilySoftmax:
		rank, nr := len(r.Lengths), len(r.ReduceDims)
		switch dt {
		case dtype.F16:
			return profileSoftmax(e, instance.Softmaxes[float16.Float16, float32, float16.Float16](tab, rank, nr))
		case dtype.F32:
			return profileSoftmax(e, instance.Softmaxes[float32, float32, float32](tab, rank, nr))
		}
	case instance.FamilyReduce:
		rank, nr := len(r.Lengths), len(r.ReduceDims)
		switch dt {
		case dtype.F16:
			return profileReduce(e, instance.Reduces[float16.Float16, float32, float32](tab, rank, nr))
		case dtype.F32:
			return profileReduce(e, instance.Reduces[float32, float32, float32](tab, rank, nr))
		}
	case instance.FamilyPermute:
		switch dt {
		case dtype.F16:
			return profilePermute(e, instance.Permutes[float16.Float16, float16.Float16](tab))
		case dtype.F32:
			return profilePermute(e, instance.Permutes[float32, float32](tab))
		}
	case instance.FamilyBatchNormInfer:
		switch dt {
		case dtype.F16:
			return profileBatchNorm(e, instance.BatchNormInfers[float16.Float16](tab))
		case dtype.F32:
			return profileBatchNorm(e, instance.BatchNormInfers[float32](tab))
		}
	case instance.FamilyAttention:
		if dt == dtype.F16 {
			return profileAttention(e, instance.Attentions[float16.Float16, float32, float16.Float16](tab))
		}
	default:
		return nil, badRequest("unknown family %q (expected one of %s)", r.Family, strings.Join(tab.Families(), ", "))
	}
	return nil, badRequest("%s has no %s instances", r.Family, dt)
}

// exec carries what every family runner needs.
type exec struct {
	ctx  context.Context
	dev  *gpu.Device
	r    Request
	gen  hosttensor.Init
	opts Options
}

func run[P any](e exec, ops []deviceop.Operator[P], p P, verify func() error) (*Report, error) {
	if e.r.Instance != "" {
		op, err := instance.ByName(ops, e.r.Instance)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		ops = []deviceop.Operator[P]{op}
	}
	if len(ops) == 0 {
		return nil, badRequest("%s has no instances for this shape", e.r.Family)
	}
	opts := e.opts
	if e.r.Verify {
		opts.Verify = verify
	}
	return Profile(e.ctx, e.dev, e.r.Family, e.r.Problem(), ops, p, opts)
}

func generate[T dtype.Storage](e exec, t *hosttensor.Tensor[T], stream uint64) *hosttensor.Tensor[T] {
	hosttensor.Generate(t, e.gen, e.r.Seed*131+stream)
	return t
}

// check compares got with want. Integer inputs are exact under every
// accumulator, so only decimal inputs get the type's tolerance.
func check[T dtype.Storage](e exec, got, want *hosttensor.Tensor[T]) error {
	if e.gen == hosttensor.InitInteger {
		return hosttensor.CheckErr(got, want, 0, 0)
	}
	rtol, atol := hosttensor.Tolerance[T]()
	if dtype.Of[T]() == dtype.F32 {
		rtol, atol = 1e-4, 1e-4
	}
	return hosttensor.CheckErr(got, want, rtol, atol)
}

func matrix[T dtype.Storage](rows, cols int, l deviceop.Layout) (*hosttensor.Tensor[T], int, error) {
	if l == deviceop.RowMajor {
		return hosttensor.New[T](rows, cols), cols, nil
	}
	t, err := hosttensor.NewStrided[T]([]int{rows, cols}, []int{1, rows})
	return t, rows, err
}

func profileGemm[AB, E dtype.Storage](e exec, la, lb deviceop.Layout, ops []deviceop.Operator[deviceop.GemmProblem[AB, E]]) (*Report, error) {
	r := e.r
	if r.M <= 0 || r.N <= 0 || r.K <= 0 {
		return nil, badRequest("gemm sizes M=%d N=%d K=%d", r.M, r.N, r.K)
	}
	a, lda, err := matrix[AB](r.M, r.K, la)
	if err != nil {
		return nil, err
	}
	b, ldb, err := matrix[AB](r.K, r.N, lb)
	if err != nil {
		return nil, err
	}
	out := hosttensor.New[E](r.M, r.N)
	generate(e, a, 1)
	generate(e, b, 2)
	p := deviceop.GemmProblem[AB, E]{
		A: a.Data, B: b.Data, E: out.Data,
		M: r.M, N: r.N, K: r.K,
		StrideA: lda, StrideB: ldb, StrideE: r.N,
		KBatch: r.KBatch,
	}
	return run(e, ops, p, func() error {
		want := hosttensor.New[E](r.M, r.N)
		if err := reference.Gemm(a, b, want, reference.Ops{}); err != nil {
			return err
		}
		return check(e, out, want)
	})
}

func profileGemmReduce[AB, E, R dtype.Storage](e exec, ops []deviceop.Operator[deviceop.GemmReduceProblem[AB, E, R]]) (*Report, error) {
	r := e.r
	if r.M <= 0 || r.N <= 0 || r.K <= 0 {
		return nil, badRequest("gemm sizes M=%d N=%d K=%d", r.M, r.N, r.K)
	}
	a := generate(e, hosttensor.New[AB](r.M, r.K), 1)
	b := generate(e, hosttensor.New[AB](r.K, r.N), 2)
	bias := generate(e, hosttensor.New[E](r.N), 3)
	d0 := generate(e, hosttensor.New[E](r.M, r.N), 4)
	out := hosttensor.New[E](r.M, r.N)
	r0, r1 := hosttensor.New[R](r.M), hosttensor.New[R](r.M)
	p := deviceop.GemmReduceProblem[AB, E, R]{
		A: a.Data, B: b.Data, E: out.Data, Bias: bias.Data, D0: d0.Data, R0: r0.Data, R1: r1.Data,
		M: r.M, N: r.N, K: r.K, StrideA: r.K, StrideB: r.N, StrideE: r.N, StrideD0: r.N,
	}
	return run(e, ops, p, func() error {
		biasMN := &hosttensor.Tensor[E]{Lengths: []int{r.M, r.N}, Strides: []int{0, 1}, Data: bias.Data}
		want := hosttensor.New[E](r.M, r.N)
		if err := reference.Gemm(a, b, want, reference.Ops{CDE: elementwise.AddAdd{}}, biasMN, d0); err != nil {
			return err
		}
		if err := check(e, out, want); err != nil {
			return errors.WithMessage(err, "E")
		}
		// statistics are checked against the device's own E
		wantR0 := hosttensor.New[R](r.M)
		if err := reference.Reduce(out, wantR0, []int{1}, elementwise.ReduceAvg, nil, 1, 0); err != nil {
			return err
		}
		return errors.WithMessage(hosttensor.CheckErr(r0, wantR0, 1e-4, 1e-4), "R0")
	})
}

func (r Request) convParams() (convparam.Params, error) {
	if r.Conv == nil {
		return convparam.Params{}, badRequest("%s needs conv parameters", r.Family)
	}
	p := r.Conv.WithDefaults()
	if err := p.Validate(); err != nil {
		return p, badRequest("%v", err)
	}
	return p, nil
}

func channelsLast[T dtype.Storage](lengths []int) (*hosttensor.Tensor[T], error) {
	return hosttensor.NewStrided[T](lengths, convparam.ChannelsLastStrides(lengths))
}

// convTensors allocates input, weight and output in the channels-last
// layouts the operators default to.
func convTensors[In, Wei, Out dtype.Storage](p convparam.Params) (in *hosttensor.Tensor[In], wei *hosttensor.Tensor[Wei], out *hosttensor.Tensor[Out], err error) {
	if in, err = channelsLast[In](p.InputGNC()); err != nil {
		return
	}
	if wei, err = channelsLast[Wei](p.WeightGKC()); err != nil {
		return
	}
	out, err = channelsLast[Out](p.OutputGNK())
	return
}

func profileConvFwd[AB dtype.Storage, E dtype.Storage](e exec, ops []deviceop.Operator[deviceop.ConvFwdProblem[AB, E]]) (*Report, error) {
	p, err := e.r.convParams()
	if err != nil {
		return nil, err
	}
	in, wei, out, err := convTensors[AB, AB, E](p)
	if err != nil {
		return nil, err
	}
	generate(e, in, 1)
	generate(e, wei, 2)
	prob := deviceop.ConvFwdProblem[AB, E]{Params: p, In: in.Data, Wei: wei.Data, Out: out.Data}
	return run(e, ops, prob, func() error {
		want, err := channelsLast[E](p.OutputGNK())
		if err != nil {
			return err
		}
		if err := reference.ConvFwd(p, in, wei, want, reference.Ops{}); err != nil {
			return err
		}
		return check(e, out, want)
	})
}

func profileConvBwdData[AB dtype.Storage, E dtype.Storage](e exec, ops []deviceop.Operator[deviceop.ConvBwdDataProblem[AB, E]]) (*Report, error) {
	p, err := e.r.convParams()
	if err != nil {
		return nil, err
	}
	dIn, wei, dOut, err := convTensors[E, AB, AB](p)
	if err != nil {
		return nil, err
	}
	generate(e, wei, 1)
	generate(e, dOut, 2)
	prob := deviceop.ConvBwdDataProblem[AB, E]{Params: p, DIn: dIn.Data, Wei: wei.Data, DOut: dOut.Data}
	return run(e, ops, prob, func() error {
		want, err := channelsLast[E](p.InputGNC())
		if err != nil {
			return err
		}
		if err := reference.ConvBwdData(p, want, wei, dOut); err != nil {
			return err
		}
		return check(e, dIn, want)
	})
}

func profileConvBwdWeight[AB dtype.Storage, E dtype.Storage](e exec, ops []deviceop.Operator[deviceop.ConvBwdWeightProblem[AB, E]]) (*Report, error) {
	p, err := e.r.convParams()
	if err != nil {
		return nil, err
	}
	in, dWei, dOut, err := convTensors[AB, E, AB](p)
	if err != nil {
		return nil, err
	}
	generate(e, in, 1)
	generate(e, dOut, 2)
	prob := deviceop.ConvBwdWeightProblem[AB, E]{Params: p, In: in.Data, DWei: dWei.Data, DOut: dOut.Data, KBatch: e.r.KBatch}
	return run(e, ops, prob, func() error {
		want, err := channelsLast[E](p.WeightGKC())
		if err != nil {
			return err
		}
		if err := reference.ConvBwdWeight(p, in, want, dOut); err != nil {
			return err
		}
		return check(e, dWei, want)
	})
}

func profileSoftmax[In, Out dtype.Storage](e exec, ops []deviceop.Operator[deviceop.SoftmaxProblem[In, Out]]) (*Report, error) {
	r := e.r
	if len(r.Lengths) == 0 || len(r.ReduceDims) == 0 {
		return nil, badRequest("softmax needs lengths and reduce dims")
	}
	in := generate(e, hosttensor.New[In](r.Lengths...), 1)
	out := hosttensor.New[Out](r.Lengths...)
	p := deviceop.SoftmaxProblem[In, Out]{Lengths: r.Lengths, ReduceDims: r.ReduceDims, In: in.Data, Out: out.Data, Alpha: 1}
	return run(e, ops, p, func() error {
		want := hosttensor.New[Out](r.Lengths...)
		if err := reference.Softmax(in, want, r.ReduceDims, 1, 0); err != nil {
			return err
		}
		// exp and the final division are never exact
		rtol, atol := hosttensor.Tolerance[Out]()
		return hosttensor.CheckErr(out, want, max(rtol, 1e-4)*4, max(atol, 1e-4)*4)
	})
}

func profileReduce[In, Out dtype.Storage](e exec, ops []deviceop.Operator[deviceop.ReduceProblem[In, Out]]) (*Report, error) {
	r := e.r
	if len(r.Lengths) == 0 || len(r.ReduceDims) == 0 {
		return nil, badRequest("reduce needs lengths and reduce dims")
	}
	var outLengths []int
	for i, l := range r.Lengths {
		keep := true
		for _, d := range r.ReduceDims {
			keep = keep && d != i
		}
		if keep {
			outLengths = append(outLengths, l)
		}
	}
	if len(outLengths) == 0 {
		outLengths = []int{1}
	}
	in := generate(e, hosttensor.New[In](r.Lengths...), 1)
	out := hosttensor.New[Out](outLengths...)
	p := deviceop.ReduceProblem[In, Out]{
		Lengths: r.Lengths, ReduceDims: r.ReduceDims, In: in.Data, Out: out.Data,
		Op: elementwise.ReduceAdd, Alpha: 1,
	}
	return run(e, ops, p, func() error {
		want := hosttensor.New[Out](outLengths...)
		if err := reference.Reduce(in, want, r.ReduceDims, elementwise.ReduceAdd, nil, 1, 0); err != nil {
			return err
		}
		return check(e, out, want)
	})
}

// channelsLastPermute returns strides that store lengths with dim 1 moved
// innermost, e.g. NCHW lengths stored as NHWC.
func channelsLastPermute(lengths []int) []int {
	order := make([]int, 0, len(lengths))
	order = append(order, 0)
	for d := 2; d < len(lengths); d++ {
		order = append(order, d)
	}
	order = append(order, 1)
	strides := make([]int, len(lengths))
	s := 1
	for i := len(order) - 1; i >= 0; i-- {
		strides[order[i]] = s
		s *= lengths[order[i]]
	}
	return strides
}

func profilePermute[T dtype.Storage](e exec, ops []deviceop.Operator[deviceop.PermuteProblem[T, T]]) (*Report, error) {
	r := e.r
	if len(r.Lengths) < 2 {
		return nil, badRequest("permute needs at least two lengths, got %v", r.Lengths)
	}
	outStrides := channelsLastPermute(r.Lengths)
	in := generate(e, hosttensor.New[T](r.Lengths...), 1)
	out, err := hosttensor.NewStrided[T](r.Lengths, outStrides)
	if err != nil {
		return nil, err
	}
	p := deviceop.PermuteProblem[T, T]{Lengths: r.Lengths, OutStrides: outStrides, In: in.Data, Out: out.Data, Op: elementwise.PassThrough{}}
	return run(e, ops, p, func() error {
		want, err := hosttensor.NewStrided[T](r.Lengths, outStrides)
		if err != nil {
			return err
		}
		if err := reference.Permute(in, want, nil); err != nil {
			return err
		}
		return hosttensor.CheckErr(out, want, 0, 0)
	})
}

func profileBatchNorm[T dtype.Storage](e exec, ops []deviceop.Operator[deviceop.BatchNormInferProblem[T]]) (*Report, error) {
	r := e.r
	if len(r.Lengths) == 0 {
		return nil, badRequest("batch norm needs lengths")
	}
	c := r.Lengths[len(r.Lengths)-1]
	x := generate(e, hosttensor.New[T](r.Lengths...), 1)
	y := hosttensor.New[T](r.Lengths...)
	stats := make([]*hosttensor.Tensor[T], 4)
	for i := range stats {
		stats[i] = hosttensor.New[T](c)
		hosttensor.GenerateUniform(stats[i], e.r.Seed*131+uint64(10+i), 0.5, 1.5)
	}
	const eps = 1e-5
	p := deviceop.BatchNormInferProblem[T]{
		Lengths: r.Lengths, X: x.Data, Y: y.Data,
		Scale: stats[0].Data, Bias: stats[1].Data, Mean: stats[2].Data, Variance: stats[3].Data,
		Epsilon: eps,
	}
	return run(e, ops, p, func() error {
		want := hosttensor.New[T](r.Lengths...)
		if err := reference.BatchNormInfer(x, want, stats[0], stats[1], stats[2], stats[3], eps); err != nil {
			return err
		}
		rtol, atol := hosttensor.Tolerance[T]()
		return hosttensor.CheckErr(y, want, rtol, atol)
	})
}

func profileAttention[AB, Out dtype.Storage](e exec, ops []deviceop.Operator[deviceop.AttentionProblem[AB, Out]]) (*Report, error) {
	r := e.r
	if len(r.Lengths) != 2 || r.M <= 0 || r.N <= 0 || r.K <= 0 || r.O <= 0 {
		return nil, badRequest("attention needs lengths [G0, G1] and M, N, K, O")
	}
	g0, g1 := r.Lengths[0], r.Lengths[1]
	// decimal operands keep the scores in softmax's useful range
	q := hosttensor.New[AB](g0, g1, r.M, r.K)
	keys := hosttensor.New[AB](g0, g1, r.N, r.K)
	v := hosttensor.New[AB](g0, g1, r.N, r.O)
	for i, t := range []*hosttensor.Tensor[AB]{q, keys, v} {
		hosttensor.Generate(t, hosttensor.InitDecimal, e.r.Seed*131+uint64(i))
	}
	outStrides := []int{r.M * g1 * r.O, r.O, g1 * r.O, 1}
	out, err := hosttensor.NewStrided[Out]([]int{g0, g1, r.M, r.O}, outStrides)
	if err != nil {
		return nil, err
	}
	scale := 1 / math.Sqrt(float64(r.K))
	p := deviceop.AttentionProblem[AB, Out]{
		G0: g0, G1: g1, M: r.M, N: r.N, K: r.K, O: r.O,
		Q: q.Data, Keys: keys.Data, V: v.Data, Out: out.Data, Scale: scale,
	}
	return run(e, ops, p, func() error {
		want, err := hosttensor.NewStrided[Out]([]int{g0, g1, r.M, r.O}, outStrides)
		if err != nil {
			return err
		}
		if err := reference.BatchedGemmSoftmaxGemm(q, keys, v, want, scale); err != nil {
			return err
		}
		return hosttensor.CheckErr(out, want, 1e-2, 1e-2)
	})
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
