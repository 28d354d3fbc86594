package workflow

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/randalmurphal/orcflow/pkg/flow"
)

// Argument types accepted in an argument schema. An empty type means string.
const (
	ArgString = "string"
	ArgInt    = "int"
	ArgNumber = "number"
	ArgBool   = "bool"
)

func validateArgSpecs(args []flow.ArgSpec) error {
	seen := make(map[string]bool, len(args))
	for i, a := range args {
		if a.Name == "" {
			return fmt.Errorf("arg[%d] has no name", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("arg %q declared twice", a.Name)
		}
		seen[a.Name] = true
		switch a.Type {
		case "", ArgString, ArgInt, ArgNumber, ArgBool:
		default:
			return fmt.Errorf("arg %q has unknown type %q", a.Name, a.Type)
		}
		if a.Default != nil {
			if _, err := coerceArg(a.Type, a.Default); err != nil {
				return fmt.Errorf("arg %q default: %w", a.Name, err)
			}
		}
	}
	return nil
}

// ResolveArgs validates given against the argument schema, applies
// defaults and converts values to their declared types. Every problem is
// reported, joined into one error.
func ResolveArgs(specs []flow.ArgSpec, given map[string]any) (flow.Input, error) {
	out := make(flow.Input, len(specs))
	declared := make(map[string]bool, len(specs))
	var errs []error

	for _, a := range specs {
		declared[a.Name] = true
		v, ok := given[a.Name]
		if !ok || v == nil {
			switch {
			case a.Default != nil:
				v = a.Default
			case a.Required:
				errs = append(errs, fmt.Errorf("missing required arg %q", a.Name))
				continue
			default:
				continue
			}
		}
		cv, err := coerceArg(a.Type, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("arg %q: %w", a.Name, err))
			continue
		}
		out[a.Name] = cv
	}

	var unknown []string
	for name := range given {
		if !declared[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, fmt.Errorf("unknown arg %q", name))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func coerceArg(typ string, v any) (any, error) {
	switch typ {
	case "", ArgString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil

	case ArgInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%v is not an integer", n)
			}
			return int(n), nil
		case string:
			i, err := strconv.Atoi(n)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", n)
			}
			return i, nil
		}

	case ArgNumber:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", n)
			}
			return f, nil
		}

	case ArgBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", b)
			}
			return parsed, nil
		}

	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
	return nil, fmt.Errorf("%v (%T) is not a %s", v, v, typ)
}
