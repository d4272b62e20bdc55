// Package instance is the table of tuned kernel instances that ships with
// tessera, and the policy that picks one of them for a problem.
package instance

import (
	"bytes"
	_ "embed"
	"os"
	"slices"
	"sync"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/tessera/pkg/deviceop"
	"github.com/samcharles93/tessera/pkg/dtype"
)

//go:embed instances.yaml
var builtin []byte

// Types names the element types an entry is instantiated with. Acc and R are
// unset for families that do not use them.
type Types struct {
	AB  dtype.DataType `yaml:"ab" json:"ab"`
	Acc dtype.DataType `yaml:"acc,omitempty" json:"acc,omitempty"`
	E   dtype.DataType `yaml:"e" json:"e"`
	R   dtype.DataType `yaml:"r,omitempty" json:"r,omitempty"`
}

func (t Types) String() string {
	s := t.AB.String()
	if t.Acc != dtype.Invalid {
		s += "_" + t.Acc.String()
	}
	s += "_" + t.E.String()
	if t.R != dtype.Invalid {
		s += "_" + t.R.String()
	}
	return s
}

// Entry is one instance of a family together with its element types and
// selection priority.
type Entry[I any] struct {
	Types    Types `yaml:"types" json:"types"`
	Priority int   `yaml:"priority" json:"priority"`
	Instance I     `yaml:",inline" json:"instance"`
}

func (e Entry[I]) Name() string { return nameOf(e.Instance) }

func nameOf(inst any) string {
	switch v := inst.(type) {
	case deviceop.GemmInstance:
		return v.Name
	case deviceop.ConvInstance:
		return v.Gemm.Name
	case deviceop.GemmReduceInstance:
		return v.Gemm.Name
	case deviceop.ReductionInstance:
		return v.Name
	case deviceop.ElementwiseInstance:
		return v.Name
	case deviceop.AttentionInstance:
		return v.Name
	}
	return ""
}

// Table holds every instance family. Within a family entries are ordered by
// descending priority.
type Table struct {
	Gemm              []Entry[deviceop.GemmInstance]        `yaml:"gemm" json:"gemm"`
	GemmSplitK        []Entry[deviceop.GemmInstance]        `yaml:"gemm_splitk" json:"gemm_splitk"`
	GemmBiasAddReduce []Entry[deviceop.GemmReduceInstance]  `yaml:"gemm_bias_add_reduce" json:"gemm_bias_add_reduce"`
	ConvFwd           []Entry[deviceop.ConvInstance]        `yaml:"conv_fwd" json:"conv_fwd"`
	ConvBwdData       []Entry[deviceop.ConvInstance]        `yaml:"conv_bwd_data" json:"conv_bwd_data"`
	ConvBwdWeight     []Entry[deviceop.ConvInstance]        `yaml:"conv_bwd_weight" json:"conv_bwd_weight"`
	Softmax           []Entry[deviceop.ReductionInstance]   `yaml:"softmax" json:"softmax"`
	Reduce            []Entry[deviceop.ReductionInstance]   `yaml:"reduce" json:"reduce"`
	Permute           []Entry[deviceop.ElementwiseInstance] `yaml:"permute" json:"permute"`
	BatchNormInfer    []Entry[deviceop.ElementwiseInstance] `yaml:"batchnorm_infer" json:"batchnorm_infer"`
	Attention         []Entry[deviceop.AttentionInstance]   `yaml:"attention" json:"attention"`
}

// Summary is the family-independent view of an entry used for listings.
type Summary struct {
	Family   string `json:"family"`
	Name     string `json:"name"`
	Types    Types  `json:"types"`
	Priority int    `json:"priority"`
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the built-in table. It panics if the embedded file is
// broken, which tests catch.
func Default() *Table {
	defaultOnce.Do(func() {
		defaultTable = must.M1(Parse(builtin))
	})
	return defaultTable
}

// Load reads a table from path. An empty path returns the built-in table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read instance table")
	}
	t, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return t, nil
}

// Parse decodes a YAML table and orders each family by priority.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, errors.Wrap(err, "decode instance table")
	}
	seen := make(map[string]string)
	for _, s := range t.Summaries("") {
		switch {
		case s.Name == "":
			return nil, errors.Errorf("%s entry has no name", s.Family)
		case seen[s.Name] != "":
			return nil, errors.Errorf("instance %q appears in %s and %s", s.Name, seen[s.Name], s.Family)
		case s.Types.AB == dtype.Invalid || s.Types.E == dtype.Invalid:
			return nil, errors.Errorf("%s: instance %q has no element types", s.Family, s.Name)
		}
		seen[s.Name] = s.Family
	}
	t.sort()
	return &t, nil
}

func sortEntries[I any](es []Entry[I]) {
	slices.SortStableFunc(es, func(a, b Entry[I]) int { return b.Priority - a.Priority })
}

func (t *Table) sort() {
	sortEntries(t.Gemm)
	sortEntries(t.GemmSplitK)
	sortEntries(t.GemmBiasAddReduce)
	sortEntries(t.ConvFwd)
	sortEntries(t.ConvBwdData)
	sortEntries(t.ConvBwdWeight)
	sortEntries(t.Softmax)
	sortEntries(t.Reduce)
	sortEntries(t.Permute)
	sortEntries(t.BatchNormInfer)
	sortEntries(t.Attention)
}

func summarize[I any](family string, es []Entry[I]) []Summary {
	out := make([]Summary, len(es))
	for i, e := range es {
		out[i] = Summary{Family: family, Name: e.Name(), Types: e.Types, Priority: e.Priority}
	}
	return out
}

// each visits every family in table order.
func (t *Table) each(fn func(family string, entries []Summary)) {
	fn(FamilyGemm, summarize(FamilyGemm, t.Gemm))
	fn(FamilyGemmSplitK, summarize(FamilyGemmSplitK, t.GemmSplitK))
	fn(FamilyGemmBiasAddReduce, summarize(FamilyGemmBiasAddReduce, t.GemmBiasAddReduce))
	fn(FamilyConvFwd, summarize(FamilyConvFwd, t.ConvFwd))
	fn(FamilyConvBwdData, summarize(FamilyConvBwdData, t.ConvBwdData))
	fn(FamilyConvBwdWeight, summarize(FamilyConvBwdWeight, t.ConvBwdWeight))
	fn(FamilySoftmax, summarize(FamilySoftmax, t.Softmax))
	fn(FamilyReduce, summarize(FamilyReduce, t.Reduce))
	fn(FamilyPermute, summarize(FamilyPermute, t.Permute))
	fn(FamilyBatchNormInfer, summarize(FamilyBatchNormInfer, t.BatchNormInfer))
	fn(FamilyAttention, summarize(FamilyAttention, t.Attention))
}

// Family names as they appear in the table file.
const (
	FamilyGemm              = "gemm"
	FamilyGemmSplitK        = "gemm_splitk"
	FamilyGemmBiasAddReduce = "gemm_bias_add_reduce"
	FamilyConvFwd           = "conv_fwd"
	FamilyConvBwdData       = "conv_bwd_data"
	FamilyConvBwdWeight     = "conv_bwd_weight"
	FamilySoftmax           = "softmax"
	FamilyReduce            = "reduce"
	FamilyPermute           = "permute"
	FamilyBatchNormInfer    = "batchnorm_infer"
	FamilyAttention         = "attention"
)

// Families lists the family names in table order.
func (t *Table) Families() []string {
	var out []string
	t.each(func(family string, _ []Summary) { out = append(out, family) })
	return out
}

// Summaries lists every entry, or the entries of one family.
func (t *Table) Summaries(family string) []Summary {
	var out []Summary
	t.each(func(f string, entries []Summary) {
		if family == "" || f == family {
			out = append(out, entries...)
		}
	})
	return out
}

// Names lists every instance name in table order.
func (t *Table) Names() []string {
	var out []string
	for _, s := range t.Summaries("") {
		out = append(out, s.Name)
	}
	return out
}
