// Package elementwise holds the prologue and epilogue functors applied by
// transfers and kernel epilogues. Functors work on float64 values; callers
// widen storage values before and narrow once after.
package elementwise

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnknownOp = errors.New("unknown element-wise operation")

// Unary maps one value.
type Unary interface {
	Apply(x float64) float64
	Name() string
}

type PassThrough struct{}

func (PassThrough) Apply(x float64) float64 { return x }
func (PassThrough) Name() string            { return "pass_through" }

// Scale multiplies by a constant.
type Scale struct{ Factor float64 }

func (s Scale) Apply(x float64) float64 { return s.Factor * x }
func (s Scale) Name() string            { return fmt.Sprintf("scale(%g)", s.Factor) }

type Relu struct{}

func (Relu) Apply(x float64) float64 { return max(x, 0) }
func (Relu) Name() string            { return "relu" }

// FastGelu is the tanh approximation of GELU written as x * sigmoid(u).
type FastGelu struct{}

func (FastGelu) Apply(x float64) float64 { return fastGelu(x) }
func (FastGelu) Name() string            { return "fast_gelu" }

func fastGelu(x float64) float64 {
	u := 2 * x * (0.035677*x*x + 0.797885)
	return x / (1 + math.Exp(-u))
}

type UnaryDivide struct{ Divider float64 }

func (d UnaryDivide) Apply(x float64) float64 { return x / d.Divider }
func (d UnaryDivide) Name() string            { return fmt.Sprintf("divide(%g)", d.Divider) }

type UnarySquare struct{}

func (UnarySquare) Apply(x float64) float64 { return x * x }
func (UnarySquare) Name() string            { return "square" }

type UnaryAbs struct{}

func (UnaryAbs) Apply(x float64) float64 { return math.Abs(x) }
func (UnaryAbs) Name() string            { return "abs" }

// MultiD combines the accumulator value c with the D operands at the same
// output coordinate.
type MultiD interface {
	Apply(c float64, ds []float64) float64
	NumD() int
	Name() string
}

// NoD applies a unary op to c and takes no D operands.
type NoD struct{ Op Unary }

func (n NoD) Apply(c float64, _ []float64) float64 {
	if n.Op == nil {
		return c
	}
	return n.Op.Apply(c)
}
func (NoD) NumD() int { return 0 }
func (n NoD) Name() string {
	if n.Op == nil {
		return "pass_through"
	}
	return n.Op.Name()
}

type Add struct{}

func (Add) Apply(c float64, ds []float64) float64 { return c + ds[0] }
func (Add) NumD() int                             { return 1 }
func (Add) Name() string                          { return "add" }

type AddRelu struct{}

func (AddRelu) Apply(c float64, ds []float64) float64 { return max(c+ds[0], 0) }
func (AddRelu) NumD() int                             { return 1 }
func (AddRelu) Name() string                          { return "add_relu" }

type AddAdd struct{}

func (AddAdd) Apply(c float64, ds []float64) float64 { return c + ds[0] + ds[1] }
func (AddAdd) NumD() int                             { return 2 }
func (AddAdd) Name() string                          { return "add_add" }

// AddReluAdd is relu(c + d0) + d1: bias, activation and a residual.
type AddReluAdd struct{}

func (AddReluAdd) Apply(c float64, ds []float64) float64 { return max(c+ds[0], 0) + ds[1] }
func (AddReluAdd) NumD() int                             { return 2 }
func (AddReluAdd) Name() string                          { return "add_relu_add" }

type AddAddFastGelu struct{}

func (AddAddFastGelu) Apply(c float64, ds []float64) float64 { return fastGelu(c + ds[0] + ds[1]) }
func (AddAddFastGelu) NumD() int                             { return 2 }
func (AddAddFastGelu) Name() string                          { return "add_add_fast_gelu" }

// Bilinear is alpha*c + beta*d0.
type Bilinear struct{ Alpha, Beta float64 }

func (b Bilinear) Apply(c float64, ds []float64) float64 { return b.Alpha*c + b.Beta*ds[0] }
func (Bilinear) NumD() int                               { return 1 }
func (b Bilinear) Name() string                          { return fmt.Sprintf("bilinear(%g,%g)", b.Alpha, b.Beta) }

// NormalizeInfer is batch-norm inference with D = [mean, variance, scale,
// bias]: scale*(x-mean)/sqrt(variance+Epsilon) + bias.
type NormalizeInfer struct{ Epsilon float64 }

func (n NormalizeInfer) Apply(x float64, ds []float64) float64 {
	return ds[2]*(x-ds[0])/math.Sqrt(ds[1]+n.Epsilon) + ds[3]
}
func (NormalizeInfer) NumD() int      { return 4 }
func (n NormalizeInfer) Name() string { return fmt.Sprintf("normalize_infer(%g)", n.Epsilon) }

// ParseUnary resolves names such as "relu", "scale(0.5)" or "divide(4)".
func ParseUnary(s string) (Unary, error) {
	name, arg, hasArg, err := splitCall(s)
	if err != nil {
		return nil, err
	}
	switch name {
	case "", "pass_through", "passthrough":
		return PassThrough{}, nil
	case "relu":
		return Relu{}, nil
	case "fast_gelu", "gelu":
		return FastGelu{}, nil
	case "square":
		return UnarySquare{}, nil
	case "abs":
		return UnaryAbs{}, nil
	case "scale":
		if !hasArg {
			return nil, errors.Wrapf(ErrUnknownOp, "%q needs a factor", s)
		}
		return Scale{Factor: arg[0]}, nil
	case "divide":
		if !hasArg || arg[0] == 0 {
			return nil, errors.Wrapf(ErrUnknownOp, "%q needs a non-zero divider", s)
		}
		return UnaryDivide{Divider: arg[0]}, nil
	}
	return nil, errors.Wrapf(ErrUnknownOp, "%q", s)
}

// ParseMultiD resolves epilogue names; a unary name yields NoD.
func ParseMultiD(s string) (MultiD, error) {
	name, arg, hasArg, err := splitCall(s)
	if err != nil {
		return nil, err
	}
	switch name {
	case "add":
		return Add{}, nil
	case "add_relu":
		return AddRelu{}, nil
	case "add_add":
		return AddAdd{}, nil
	case "add_relu_add":
		return AddReluAdd{}, nil
	case "add_add_fast_gelu":
		return AddAddFastGelu{}, nil
	case "bilinear":
		if !hasArg || len(arg) != 2 {
			return nil, errors.Wrapf(ErrUnknownOp, "%q needs alpha and beta", s)
		}
		return Bilinear{Alpha: arg[0], Beta: arg[1]}, nil
	case "normalize_infer":
		if !hasArg || len(arg) != 1 {
			return nil, errors.Wrapf(ErrUnknownOp, "%q needs an epsilon", s)
		}
		return NormalizeInfer{Epsilon: arg[0]}, nil
	}
	u, err := ParseUnary(s)
	if err != nil {
		return nil, err
	}
	return NoD{Op: u}, nil
}

func splitCall(s string) (name string, args []float64, hasArgs bool, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return s, nil, false, nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", nil, false, errors.Wrapf(ErrUnknownOp, "malformed %q", s)
	}
	for _, part := range strings.Split(s[open+1:len(s)-1], ",") {
		v, perr := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if perr != nil {
			return "", nil, false, errors.Wrapf(ErrUnknownOp, "argument of %q: %v", s, perr)
		}
		args = append(args, v)
	}
	return s[:open], args, true, nil
}
