package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// BindArgs decodes a JSON argument object into a typed struct.
func BindArgs(args Args, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(map[string]any(args))
}

// RegisterBuiltins installs the local tools every runtime ships with.
func RegisterBuiltins(r *Registry) error {
	for _, tool := range []*ToolFunction{
		NewCalculatorTool(),
		NewClockTool(),
		NewEchoTool(),
	} {
		if err := r.RegisterTool(tool); err != nil {
			return err
		}
	}
	return nil
}

type calculatorArgs struct {
	Operation string  `json:"operation"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
}

func NewCalculatorTool() *ToolFunction {
	return &ToolFunction{
		Name:        "calculator",
		Description: "Perform basic arithmetic on two numbers",
		Schema: Obj(
			Req("operation", StrEnum("add", "subtract", "multiply", "divide")),
			Req("a", Num()),
			Req("b", Num()),
		),
		Handler: func(ctx context.Context, args Args) (any, error) {
			if _, perr := args.String("operation"); perr != nil {
				return nil, perr
			}
			if _, perr := args.Float("a"); perr != nil {
				return nil, perr
			}
			if _, perr := args.Float("b"); perr != nil {
				return nil, perr
			}

			var in calculatorArgs
			if err := BindArgs(args, &in); err != nil {
				return nil, err
			}

			var result float64
			var symbol string
			switch in.Operation {
			case "add":
				result, symbol = in.A+in.B, "+"
			case "subtract":
				result, symbol = in.A-in.B, "-"
			case "multiply":
				result, symbol = in.A*in.B, "*"
			case "divide":
				if in.B == 0 {
					return nil, fmt.Errorf("division by zero")
				}
				result, symbol = in.A/in.B, "/"
			default:
				return nil, fmt.Errorf("unknown operation %q", in.Operation)
			}

			return map[string]any{
				"result":     result,
				"expression": fmt.Sprintf("%v%s%v", trimFloat(in.A), symbol, trimFloat(in.B)),
			}, nil
		},
	}
}

func trimFloat(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

func NewClockTool() *ToolFunction {
	return &ToolFunction{
		Name:        "clock",
		Description: "Report the current time, optionally in a named timezone",
		Schema: Obj(
			Opt("timezone", Str()),
		),
		Handler: func(ctx context.Context, args Args) (any, error) {
			tz, ok, perr := args.OptionalString("timezone")
			if perr != nil {
				return nil, perr
			}
			now := time.Now()
			if ok {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				now = now.In(loc)
			}
			return map[string]any{
				"iso":  now.Format(time.RFC3339),
				"unix": now.Unix(),
			}, nil
		},
	}
}

func NewEchoTool() *ToolFunction {
	return &ToolFunction{
		Name:        "echo",
		Description: "Return the provided text unchanged",
		Schema: Obj(
			Req("text", Str()),
		),
		Handler: func(ctx context.Context, args Args) (any, error) {
			text, perr := args.String("text")
			if perr != nil {
				return nil, perr
			}
			return map[string]any{"text": text}, nil
		},
	}
}
