package main

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseDims reads "8x64", "8,64" or "8 64" as a list of non-negative ints.
func parseDims(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == 'x' || r == 'X' || r == ',' || r == ' '
	})
	if len(fields) == 0 {
		return nil, errors.Errorf("empty dimension list %q", s)
	}
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return nil, errors.Errorf("bad dimension %q in %q", f, s)
		}
		out[i] = v
	}
	return out, nil
}

// parseSpatial reads a per-spatial-dim list. A single value is repeated for
// every dimension and an empty string yields nil so defaults apply.
func parseSpatial(s string, nd int) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	dims, err := parseDims(s)
	if err != nil {
		return nil, err
	}
	switch len(dims) {
	case nd:
		return dims, nil
	case 1:
		out := make([]int, nd)
		for i := range out {
			out[i] = dims[0]
		}
		return out, nil
	}
	return nil, errors.Errorf("%q has %d values, want 1 or %d", s, len(dims), nd)
}
