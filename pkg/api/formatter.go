package api

import (
	"context"
	"errors"
	"fmt"
)

// Formatter turns step state into its persisted string form and back.
//
// Deserialize must return an error wrapping ErrStateFormat on malformed
// input.
type Formatter interface {
	Name() string
	Serialize(v any) (string, error)
	Deserialize(data string, v any) error
}

// Runtime is the part of the step runtime exposed to implementations
// through the execution context. Calls made with the execution context
// join the worker's transaction.
type Runtime interface {
	AddStep(ctx context.Context, step *Step) (int64, error)
	AddSteps(ctx context.Context, steps ...*Step) ([]int64, error)
	SearchSteps(ctx context.Context, criteria SearchModel, levels FetchLevels) (SearchResult, error)
	CountSteps(ctx context.Context, flowID string) (map[Queue]int, error)
}

type formatterCtxKey struct{}

type runtimeCtxKey struct{}

// WithFormatter attaches f to ctx.
func WithFormatter(ctx context.Context, f Formatter) context.Context {
	return context.WithValue(ctx, formatterCtxKey{}, f)
}

// FormatterFromContext returns the formatter attached by WithFormatter.
func FormatterFromContext(ctx context.Context) (Formatter, bool) {
	f, ok := ctx.Value(formatterCtxKey{}).(Formatter)
	return f, ok
}

// WithRuntime attaches rt to ctx.
func WithRuntime(ctx context.Context, rt Runtime) context.Context {
	return context.WithValue(ctx, runtimeCtxKey{}, rt)
}

// RuntimeFromContext returns the runtime attached by WithRuntime.
func RuntimeFromContext(ctx context.Context) (Runtime, bool) {
	rt, ok := ctx.Value(runtimeCtxKey{}).(Runtime)
	return rt, ok
}

// DecodeState deserializes step.State into a T using the formatter in ctx.
// An empty State decodes to the zero value.
func DecodeState[T any](ctx context.Context, step *Step) (T, error) {
	var v T
	if step.State == "" {
		return v, nil
	}
	f, ok := FormatterFromContext(ctx)
	if !ok {
		return v, errors.New("no state formatter in context")
	}
	if step.StateFormat != "" && step.StateFormat != f.Name() {
		return v, fmt.Errorf("%w: step %d has format %q, active formatter is %q",
			ErrStateFormatMismatch, step.ID, step.StateFormat, f.Name())
	}
	if err := f.Deserialize(step.State, &v); err != nil {
		return v, err
	}
	return v, nil
}

// DecodeActivationArgs deserializes step.ActivationArgs into a T using the
// formatter in ctx. Empty args decode to the zero value.
func DecodeActivationArgs[T any](ctx context.Context, step *Step) (T, error) {
	var v T
	if step.ActivationArgs == "" {
		return v, nil
	}
	f, ok := FormatterFromContext(ctx)
	if !ok {
		return v, errors.New("no state formatter in context")
	}
	if err := f.Deserialize(step.ActivationArgs, &v); err != nil {
		return v, err
	}
	return v, nil
}
