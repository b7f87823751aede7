package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/voxtera/maestro/pkg/observability"
)

type StrategyKind int

const (
	Sequential StrategyKind = iota
	Parallel
	ParallelWithLimit
)

// Strategy controls batch dispatch. Limit only applies to ParallelWithLimit.
type Strategy struct {
	Kind  StrategyKind
	Limit int
}

func SequentialStrategy() Strategy { return Strategy{Kind: Sequential} }

func ParallelStrategy() Strategy { return Strategy{Kind: Parallel} }

func ParallelLimitStrategy(n int) Strategy { return Strategy{Kind: ParallelWithLimit, Limit: n} }

// ParseStrategy decodes the configuration form: sequential, parallel, or
// parallel_limit:<n>.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "sequential":
		return SequentialStrategy(), nil
	case "parallel":
		return ParallelStrategy(), nil
	}
	if rest, ok := strings.CutPrefix(s, "parallel_limit:"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return Strategy{}, fmt.Errorf("invalid parallel limit %q", rest)
		}
		return ParallelLimitStrategy(n), nil
	}
	return Strategy{}, fmt.Errorf("unknown execution strategy %q", s)
}

// Request is one tool invocation as emitted by the model.
type Request struct {
	CallID    string
	Name      string
	Arguments Args
}

// Result pairs a request's output with its failure, exactly one of which is
// set. Output is serialized JSON.
type Result struct {
	CallID string
	Name   string
	Output json.RawMessage
	Err    *CallError
}

// Content renders the result as tool-message content: either the output JSON
// or the serialized error payload.
func (r Result) Content() string {
	if r.Err != nil {
		return r.Err.Serialize()
	}
	return string(r.Output)
}

type ExecutorOption func(*Executor)

func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithStrictValidation validates arguments against the tool's compiled
// schema before dispatch.
func WithStrictValidation() ExecutorOption {
	return func(e *Executor) { e.strict = true }
}

// Executor dispatches tool requests against a registry.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	strict   bool
	tracer   trace.Tracer
}

func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		timeout:  30 * time.Second,
		tracer:   observability.GetTracer("maestro.tools"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a single request. The error return is nil on success.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, req.Name)),
	)
	defer span.End()

	result := e.execute(ctx, req)
	duration := time.Since(start)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		var recordErr error
		if result.Err != nil {
			recordErr = result.Err
		}
		metrics.RecordToolExecution(ctx, req.Name, duration, recordErr)
	}
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, string(result.Err.Kind))
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.SetAttributes(attribute.Int64("tool.duration_ms", duration.Milliseconds()))

	return result
}

func (e *Executor) execute(ctx context.Context, req Request) Result {
	result := Result{CallID: req.CallID, Name: req.Name}

	tool, ok := e.registry.Get(req.Name)
	if !ok {
		result.Err = newUnknownFunction(req.Name)
		return result
	}
	if req.Arguments == nil {
		result.Err = newNullArguments(req.Name)
		return result
	}
	if e.strict {
		if perr := validateAgainstSchema(tool, req.Arguments); perr != nil {
			result.Err = newInvalidArguments(req.Name, perr)
			return result
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	value, err := e.invoke(ctx, tool, req.Arguments)
	if err != nil {
		result.Err = classifyHandlerError(req.Name, err)
		return result
	}

	output, err := json.Marshal(value)
	if err != nil {
		result.Err = newExecutionError(req.Name, fmt.Errorf("result not serializable: %w", err))
		return result
	}
	result.Output = output
	return result
}

// invoke runs the handler, converting panics into errors. Fatal faults are
// not recovered here; only handler-level panics are.
func (e *Executor) invoke(ctx context.Context, tool *ToolFunction, args Args) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return tool.Handler(ctx, args)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}

func classifyHandlerError(name string, err error) *CallError {
	var perr *ParameterError
	if pe, ok := err.(*ParameterError); ok {
		perr = pe
	}
	if perr != nil {
		return newInvalidArguments(name, perr)
	}
	if pe, ok := err.(*panicError); ok {
		return newExecutionError(name, pe)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newExecutionError(name, err)
	}
	return newHandlerError(name, err)
}

// ExecuteAll dispatches a batch. Results are returned in request order
// regardless of strategy.
func (e *Executor) ExecuteAll(ctx context.Context, reqs []Request, strategy Strategy) []Result {
	if len(reqs) == 0 {
		return nil
	}

	results := make([]Result, len(reqs))

	switch strategy.Kind {
	case Sequential:
		for i, req := range reqs {
			results[i] = e.Execute(ctx, req)
		}

	case Parallel:
		e.executeWorkers(ctx, reqs, results, len(reqs))

	case ParallelWithLimit:
		workers := strategy.Limit
		if workers <= 0 || workers > len(reqs) {
			workers = len(reqs)
		}
		e.executeWorkers(ctx, reqs, results, workers)
	}

	return results
}

// executeWorkers runs n workers pulling request indices from a shared atomic
// counter. Work-stealing over the index avoids head-of-line blocking when
// handlers have uneven latencies.
func (e *Executor) executeWorkers(ctx context.Context, reqs []Request, results []Result, workers int) {
	var next atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= len(reqs) {
					return nil
				}
				results[i] = e.Execute(ctx, reqs[i])
			}
		})
	}
	_ = g.Wait()
}

// validateAgainstSchema compiles the tool schema and checks the arguments,
// translating validation failures into parameter errors.
func validateAgainstSchema(tool *ToolFunction, args Args) *ParameterError {
	schemaJSON, err := json.Marshal(tool.Schema.Compile())
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(schemaJSON))); err != nil {
		return nil
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil
	}

	// Round-trip through JSON so numeric types normalize the way the
	// validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	if err := schema.Validate(doc); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return &ParameterError{Kind: TypeMismatch, Path: "", Expected: "valid arguments", Actual: err.Error()}
		}
		return translateValidationError(ve)
	}
	return nil
}

func translateValidationError(ve *jsonschema.ValidationError) *ParameterError {
	leaves := ve.Causes
	if len(leaves) == 0 {
		leaves = []*jsonschema.ValidationError{ve}
	}
	var errs []*ParameterError
	for _, cause := range leaves {
		path := strings.TrimPrefix(cause.InstanceLocation, "/")
		path = strings.ReplaceAll(path, "/", ".")
		errs = append(errs, &ParameterError{
			Kind:     TypeMismatch,
			Path:     path,
			Expected: "value matching schema",
			Actual:   cause.Message,
		})
	}
	return CombineErrors(errs...)
}
