package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// EvalJSTool runs a short JavaScript snippet in a sandboxed goja VM with no
// access to the host filesystem or network — useful for quick arithmetic,
// string manipulation, or data reshaping mid-turn.
type EvalJSTool struct {
	timeout time.Duration
}

func NewEvalJSTool() *EvalJSTool {
	return &EvalJSTool{timeout: 2 * time.Second}
}

func (t *EvalJSTool) Name() string        { return "eval_js" }
func (t *EvalJSTool) Description() string { return "Evaluate a JavaScript expression in a sandboxed interpreter and return its result" }

func (t *EvalJSTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{"type": "string", "description": "JavaScript source to evaluate"},
		},
		"required": []string{"code"},
	}
}

func (t *EvalJSTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	code, _ := args["code"].(string)
	if code == "" {
		return ErrorResult("code is required")
	}

	vm := goja.New()
	done := make(chan *Result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ErrorResult(fmt.Sprintf("eval panicked: %v", r))
			}
		}()
		val, err := vm.RunString(code)
		if err != nil {
			done <- ErrorResult(fmt.Sprintf("eval error: %v", err))
			return
		}
		done <- TextResult(fmt.Sprintf("%v", val.Export()))
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res
	case <-timer.C:
		vm.Interrupt("execution timed out")
		return ErrorResult(fmt.Sprintf("eval_js: exceeded %s timeout", t.timeout))
	case <-ctx.Done():
		vm.Interrupt("context cancelled")
		return ErrorResult("eval_js: cancelled")
	}
}
