package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ParameterErrorKind string

const (
	MissingParameter ParameterErrorKind = "missing_parameter"
	NullParameter    ParameterErrorKind = "null_parameter"
	TypeMismatch     ParameterErrorKind = "type_mismatch"
	InvalidNesting   ParameterErrorKind = "invalid_nesting"
	MultipleErrors   ParameterErrorKind = "multiple_errors"
)

// ParameterError describes one extraction failure. The structured fields are
// shown to the model verbatim so it can self-correct the next call.
type ParameterError struct {
	Kind          ParameterErrorKind `json:"kind"`
	Path          string             `json:"path,omitempty"`
	Expected      string             `json:"expected,omitempty"`
	Actual        string             `json:"actual,omitempty"`
	ParentPath    string             `json:"parent_path,omitempty"`
	ParentType    string             `json:"parent_type,omitempty"`
	AvailableKeys []string           `json:"available_keys,omitempty"`
	Errors        []*ParameterError  `json:"errors,omitempty"`
}

func (e *ParameterError) Error() string {
	switch e.Kind {
	case MissingParameter:
		if len(e.AvailableKeys) > 0 {
			return fmt.Sprintf("missing parameter %q (expected %s; available: %s)",
				e.Path, e.Expected, strings.Join(e.AvailableKeys, ", "))
		}
		return fmt.Sprintf("missing parameter %q (expected %s)", e.Path, e.Expected)
	case NullParameter:
		return fmt.Sprintf("parameter %q is null (expected %s)", e.Path, e.Expected)
	case TypeMismatch:
		return fmt.Sprintf("parameter %q has wrong type: expected %s, got %s", e.Path, e.Expected, e.Actual)
	case InvalidNesting:
		return fmt.Sprintf("cannot navigate %q: %q is %s, not an object", e.Path, e.ParentPath, e.ParentType)
	case MultipleErrors:
		parts := make([]string, len(e.Errors))
		for i, sub := range e.Errors {
			parts[i] = sub.Error()
		}
		return strings.Join(parts, "; ")
	}
	return string(e.Kind)
}

// Flatten unwraps nested multiple_errors into a flat list.
func (e *ParameterError) Flatten() []*ParameterError {
	if e == nil {
		return nil
	}
	if e.Kind != MultipleErrors {
		return []*ParameterError{e}
	}
	var flat []*ParameterError
	for _, sub := range e.Errors {
		flat = append(flat, sub.Flatten()...)
	}
	return flat
}

// CombineErrors batches extraction results. nil inputs are skipped; a single
// error is returned as-is.
func CombineErrors(errs ...*ParameterError) *ParameterError {
	var present []*ParameterError
	for _, e := range errs {
		if e != nil {
			present = append(present, e)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		return &ParameterError{Kind: MultipleErrors, Errors: present}
	}
}

type CallErrorKind string

const (
	ErrUnknownFunction  CallErrorKind = "unknown_function"
	ErrNullArguments    CallErrorKind = "null_arguments"
	ErrInvalidArguments CallErrorKind = "invalid_arguments"
	ErrHandlerError     CallErrorKind = "handler_error"
	ErrExecutionError   CallErrorKind = "execution_error"
)

// CallError is the dispatch-level failure for one tool invocation.
type CallError struct {
	Kind            CallErrorKind
	ToolName        string
	Message         string
	ParameterErrors []*ParameterError
	Cause           error
}

func (e *CallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.ToolName, e.Message, e.Cause)
	}
	return fmt.Sprintf("tool %s: %s", e.ToolName, e.Message)
}

func (e *CallError) Unwrap() error { return e.Cause }

type serializedCallError struct {
	IsError         bool              `json:"isError"`
	ToolName        string            `json:"toolName"`
	ErrorType       string            `json:"errorType"`
	Message         string            `json:"message"`
	ParameterErrors []*ParameterError `json:"parameterErrors,omitempty"`
	Legacy          string            `json:"error"`
}

// Serialize renders the error as the stable JSON payload placed in a tool
// message's content. Nested multiple_errors are flattened.
func (e *CallError) Serialize() string {
	var flat []*ParameterError
	for _, pe := range e.ParameterErrors {
		flat = append(flat, pe.Flatten()...)
	}
	data, err := json.Marshal(serializedCallError{
		IsError:         true,
		ToolName:        e.ToolName,
		ErrorType:       string(e.Kind),
		Message:         e.Message,
		ParameterErrors: flat,
		Legacy:          e.Error(),
	})
	if err != nil {
		return fmt.Sprintf(`{"isError":true,"toolName":%q,"errorType":%q,"message":%q,"error":%q}`,
			e.ToolName, e.Kind, e.Message, e.Error())
	}
	return string(data)
}

func newUnknownFunction(name string) *CallError {
	return &CallError{Kind: ErrUnknownFunction, ToolName: name, Message: fmt.Sprintf("no tool registered under %q", name)}
}

func newNullArguments(name string) *CallError {
	return &CallError{Kind: ErrNullArguments, ToolName: name, Message: "arguments must be a JSON object, got null"}
}

func newInvalidArguments(name string, perr *ParameterError) *CallError {
	return &CallError{
		Kind:            ErrInvalidArguments,
		ToolName:        name,
		Message:         perr.Error(),
		ParameterErrors: []*ParameterError{perr},
	}
}

func newHandlerError(name string, err error) *CallError {
	return &CallError{Kind: ErrHandlerError, ToolName: name, Message: err.Error(), Cause: err}
}

func newExecutionError(name string, cause error) *CallError {
	return &CallError{Kind: ErrExecutionError, ToolName: name, Message: "tool execution failed", Cause: cause}
}
