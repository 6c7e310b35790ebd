package code

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
)

// runScript evaluates source in a fresh goja.Runtime with inputs bound as
// global variables, returning the exported value of the script's final
// expression. Grounded on the teacher's SetupGojaVM/registerGojaHelpers,
// trimmed to the non-network helper surface (toString, jsonParse, btoa,
// atob) — no httpGet/httpPost/etc, see package doc.
func runScript(source string, inputs map[string]any) (result any, err error) {
	vm := goja.New()

	if err := registerHelpers(vm); err != nil {
		return nil, fmt.Errorf("code: register script helpers: %w", err)
	}

	for k, v := range inputs {
		if err := vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("code: bind input %q: %w", k, err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			if gojaErr, ok := r.(*goja.Exception); ok {
				err = fmt.Errorf("code: script panic: %w", gojaErr)
				return
			}
			err = fmt.Errorf("code: script panic: %v", r)
		}
	}()

	value, runErr := vm.RunString(source)
	if runErr != nil {
		return nil, fmt.Errorf("code: run script: %w", runErr)
	}
	if value == nil {
		return nil, nil
	}
	return value.Export(), nil
}

func registerHelpers(vm *goja.Runtime) error {
	if err := vm.Set("toString", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			return vm.ToValue(string(v))
		case string:
			return vm.ToValue(v)
		default:
			return vm.ToValue(fmt.Sprintf("%v", v))
		}
	}); err != nil {
		return err
	}

	if err := vm.Set("jsonParse", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		var raw []byte
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			panic(vm.NewTypeError("jsonParse: expected string or bytes"))
		}
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			panic(vm.NewTypeError("jsonParse: " + err.Error()))
		}
		return vm.ToValue(parsed)
	}); err != nil {
		return err
	}

	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		var raw []byte
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			panic(vm.NewTypeError("btoa: expected string or bytes"))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString(raw))
	}); err != nil {
		return err
	}

	if err := vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue([]byte{})
		}
		decoded, err := base64.StdEncoding.DecodeString(call.Arguments[0].String())
		if err != nil {
			panic(vm.NewTypeError("atob: " + err.Error()))
		}
		return vm.ToValue(decoded)
	}); err != nil {
		return err
	}

	return nil
}
