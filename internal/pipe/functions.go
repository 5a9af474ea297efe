package pipe

import (
	"fmt"
	"strconv"
	"strings"
)

// registerBuiltins installs the small set of domain functions mapping rules
// and transition guards are expected to reach for: arithmetic, string
// concatenation, and equality/comparison used by guard "match" nodes.
func registerBuiltins(r *Registry) {
	r.Register("number.add", func(args []any) (any, error) {
		return reduceFloat(args, 0, func(a, b float64) float64 { return a + b })
	})
	r.Register("number.sub", func(args []any) (any, error) {
		if len(args) == 0 {
			return 0.0, nil
		}
		first, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		return reduceFloat(args[1:], first, func(a, b float64) float64 { return a - b })
	})
	r.Register("number.mul", func(args []any) (any, error) {
		return reduceFloat(args, 1, func(a, b float64) float64 { return a * b })
	})
	r.Register("string.concat", func(args []any) (any, error) {
		var b strings.Builder
		for _, a := range args {
			fmt.Fprint(&b, a)
		}
		return b.String(), nil
	})
	r.Register("string.eq", func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("pipe: string.eq requires 2 args")
		}
		return fmt.Sprint(args[0]) == fmt.Sprint(args[1]), nil
	})
	r.Register("number.gt", func(args []any) (any, error) {
		return compareFloat(args, func(a, b float64) bool { return a > b })
	})
	r.Register("number.lt", func(args []any) (any, error) {
		return compareFloat(args, func(a, b float64) bool { return a < b })
	})
}

func reduceFloat(args []any, init float64, op func(a, b float64) float64) (float64, error) {
	acc := init
	for _, a := range args {
		f, err := toFloat(a)
		if err != nil {
			return 0, err
		}
		acc = op(acc, f)
	}
	return acc, nil
}

func compareFloat(args []any, op func(a, b float64) bool) (bool, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("pipe: comparison requires 2 args")
	}
	a, err := toFloat(args[0])
	if err != nil {
		return false, err
	}
	b, err := toFloat(args[1])
	if err != nil {
		return false, err
	}
	return op(a, b), nil
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("pipe: cannot convert %T to number", v)
	}
}
