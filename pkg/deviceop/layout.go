package deviceop

import (
	"strings"

	"github.com/pkg/errors"
)

// Layout is the storage order of a matrix operand.
type Layout int

const (
	RowMajor Layout = iota
	ColumnMajor
)

func (l Layout) String() string {
	if l == ColumnMajor {
		return "col"
	}
	return "row"
}

func (l Layout) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Layout) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "row", "row_major", "r":
		*l = RowMajor
	case "col", "column", "column_major", "c":
		*l = ColumnMajor
	default:
		return errors.Errorf("unknown layout %q", b)
	}
	return nil
}

// GemmSpecialization names the GEMM dimensions an instance pads up to whole
// tiles. Dimensions it does not pad must divide the tile exactly.
type GemmSpecialization int

const (
	GemmDefault GemmSpecialization = iota
	GemmMPadding
	GemmNPadding
	GemmKPadding
	GemmMNPadding
	GemmMNKPadding
)

var gemmSpecNames = []string{"default", "m_padding", "n_padding", "k_padding", "mn_padding", "mnk_padding"}

func (s GemmSpecialization) String() string {
	if int(s) < len(gemmSpecNames) {
		return gemmSpecNames[s]
	}
	return "unknown"
}

func (s GemmSpecialization) PadsM() bool {
	return s == GemmMPadding || s == GemmMNPadding || s == GemmMNKPadding
}

func (s GemmSpecialization) PadsN() bool {
	return s == GemmNPadding || s == GemmMNPadding || s == GemmMNKPadding
}

func (s GemmSpecialization) PadsK() bool { return s == GemmKPadding || s == GemmMNKPadding }

func (s GemmSpecialization) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *GemmSpecialization) UnmarshalText(b []byte) error {
	for i, n := range gemmSpecNames {
		if strings.EqualFold(n, string(b)) {
			*s = GemmSpecialization(i)
			return nil
		}
	}
	return errors.Errorf("unknown gemm specialization %q", b)
}

// ConvSpecialization narrows the convolutions an instance accepts in exchange
// for simpler tensor views.
type ConvSpecialization int

const (
	ConvDefault ConvSpecialization = iota
	ConvFilter1x1Pad0
	ConvFilter1x1Stride1Pad0
)

var convSpecNames = []string{"default", "filter1x1_pad0", "filter1x1_stride1_pad0"}

func (s ConvSpecialization) String() string {
	if int(s) < len(convSpecNames) {
		return convSpecNames[s]
	}
	return "unknown"
}

func (s ConvSpecialization) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ConvSpecialization) UnmarshalText(b []byte) error {
	for i, n := range convSpecNames {
		if strings.EqualFold(n, string(b)) {
			*s = ConvSpecialization(i)
			return nil
		}
	}
	return errors.Errorf("unknown conv specialization %q", b)
}
