package filter

// Package filter selects results with CEL expressions such as
//
//	ok && stdout.contains("GigabitEthernet0/1")
//	device_name.startsWith("core-") && exit_status != 0

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/tkspuk/netpulse-sdk/model"
)

// Filter is a compiled boolean expression over one result.
type Filter struct {
	Expression string
	program    cel.Program
}

// Variables available to expressions.
var variables = []cel.EnvOption{
	cel.Variable("job_id", cel.StringType),
	cel.Variable("device_id", cel.StringType),
	cel.Variable("device_name", cel.StringType),
	cel.Variable("command", cel.StringType),
	cel.Variable("stdout", cel.StringType),
	cel.Variable("stderr", cel.StringType),
	cel.Variable("ok", cel.BoolType),
	cel.Variable("exit_status", cel.IntType),
	cel.Variable("duration_ms", cel.IntType),
	cel.Variable("error_type", cel.StringType),
	cel.Variable("is_success", cel.BoolType),
	cel.Variable("has_device_error", cel.BoolType),
	cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	cel.Variable("parsed", cel.DynType),
}

// New compiles expression. It must evaluate to a bool.
func New(expression string) (*Filter, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty")
	}

	env, err := cel.NewEnv(variables...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", expression, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter %q must evaluate to bool, got %s", expression, t)
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &Filter{Expression: expression, program: p}, nil
}

func activation(r model.Result) map[string]any {
	errType := ""
	if r.Error != nil {
		errType = r.Error.Type
	}
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"job_id":           r.JobID,
		"device_id":        r.DeviceID,
		"device_name":      r.DeviceName,
		"command":          r.Command,
		"stdout":           r.Stdout,
		"stderr":           r.Stderr,
		"ok":               r.OK,
		"exit_status":      int64(r.ExitStatus),
		"duration_ms":      r.DurationMS,
		"error_type":       errType,
		"is_success":       r.IsSuccess(),
		"has_device_error": r.HasDeviceError(),
		"metadata":         metadata,
		"parsed":           r.Parsed,
	}
}

// Match evaluates the filter against r.
func (f *Filter) Match(r model.Result) (bool, error) {
	out, _, err := f.program.Eval(activation(r))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter %q: %w", f.Expression, err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("filter %q did not produce a bool: %w", f.Expression, err)
	}
	return nv.(bool), nil
}

// Apply returns the results the filter matches, in order. Evaluation stops at
// the first error.
func (f *Filter) Apply(rs model.Results) (model.Results, error) {
	out := model.Results{}
	for _, r := range rs {
		ok, err := f.Match(r)
		if err != nil {
			return nil, fmt.Errorf("result %s/%s: %w", r.DeviceName, r.Command, err)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}
