package loader

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/randalmurphal/orcflow/internal/workflow"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

const (
	specFuncName = "Workflow"
	runFuncName  = "Run"
)

// evalGo interprets a Go workflow file in a fresh interpreter, so every
// call sees the file as it is on disk now. gopath lets the file import
// project-local helper packages from <gopath>/src.
func evalGo(path string, src []byte, gopath string) (*workflow.Unit, error) {
	pkg, err := packageName(path, src)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{GoPath: gopath})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("install stdlib symbols: %w", err)
	}
	if err := i.Use(Symbols); err != nil {
		return nil, fmt.Errorf("install flow symbols: %w", err)
	}
	if err := evalSafely(func() error {
		_, err := i.Eval(string(src))
		return err
	}); err != nil {
		return nil, fmt.Errorf("interpret %s: %w", path, err)
	}

	specVal, err := i.Eval(qualified(pkg, specFuncName))
	if err != nil {
		return nil, fmt.Errorf("%s must define func %s() flow.Spec: %w", path, specFuncName, err)
	}
	spec, err := invokeSpecFunc(specVal)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	runVal, err := i.Eval(qualified(pkg, runFuncName))
	if err != nil {
		return nil, fmt.Errorf("%s must define func %s(ctx context.Context, t flow.Toolkit, in flow.Input) error: %w",
			path, runFuncName, err)
	}
	fn, err := asFlowFunc(runVal)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &workflow.Unit{Spec: spec, Func: fn, SourcePath: path, Kind: workflow.SourceGo}, nil
}

func packageName(path string, src []byte) (string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), path, src, parser.PackageClauseOnly)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Name.Name, nil
}

func qualified(pkg, name string) string {
	if pkg == "main" {
		return name
	}
	return pkg + "." + name
}

func evalSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func invokeSpecFunc(value reflect.Value) (flow.Spec, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return flow.Spec{}, fmt.Errorf("%s is not a function", specFuncName)
	}
	if value.Type().NumIn() != 0 {
		return flow.Spec{}, fmt.Errorf("%s must take no arguments", specFuncName)
	}

	var results []reflect.Value
	if err := evalSafely(func() error {
		results = value.Call(nil)
		return nil
	}); err != nil {
		return flow.Spec{}, fmt.Errorf("%s: %w", specFuncName, err)
	}
	if len(results) == 0 || len(results) > 2 {
		return flow.Spec{}, fmt.Errorf("%s must return flow.Spec or (flow.Spec, error)", specFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok {
			return flow.Spec{}, e
		}
		return flow.Spec{}, fmt.Errorf("%s returned non-error second value", specFuncName)
	}

	switch s := results[0].Interface().(type) {
	case flow.Spec:
		return s, nil
	case *flow.Spec:
		if s == nil {
			return flow.Spec{}, fmt.Errorf("%s returned nil", specFuncName)
		}
		return *s, nil
	default:
		return flow.Spec{}, fmt.Errorf("%s must return flow.Spec, got %T", specFuncName, s)
	}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	toolkitType = reflect.TypeOf((*flow.Toolkit)(nil)).Elem()
	inputType   = reflect.TypeOf(flow.Input(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// asFlowFunc converts the interpreted Run function into a flow.Func. A
// panic inside the workflow body is returned as an error.
func asFlowFunc(value reflect.Value) (flow.Func, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", runFuncName)
	}

	var fn func(context.Context, flow.Toolkit, flow.Input) error
	switch f := value.Interface().(type) {
	case func(context.Context, flow.Toolkit, flow.Input) error:
		fn = f
	case flow.Func:
		fn = f
	default:
		t := value.Type()
		if t.NumIn() != 3 || t.NumOut() != 1 ||
			t.In(0) != contextType || t.In(1) != toolkitType || t.In(2) != inputType ||
			t.Out(0) != errorType {
			return nil, fmt.Errorf("%s has signature %s, want func(context.Context, flow.Toolkit, flow.Input) error",
				runFuncName, t)
		}
		fn = func(ctx context.Context, tk flow.Toolkit, in flow.Input) error {
			out := value.Call([]reflect.Value{
				reflect.ValueOf(&ctx).Elem(),
				reflect.ValueOf(&tk).Elem(),
				reflect.ValueOf(in),
			})
			if out[0].IsNil() {
				return nil
			}
			err, _ := out[0].Interface().(error)
			return err
		}
	}

	return func(ctx context.Context, tk flow.Toolkit, in flow.Input) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = flow.Permanent(errors.New(fmt.Sprint("workflow panicked: ", r)))
			}
		}()
		return fn(ctx, tk, in)
	}, nil
}
