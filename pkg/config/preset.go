package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Preset is the instance input computed by a preset script.
type Preset struct {
	Provision     map[string]interface{}
	Configuration map[string]interface{}
}

// PresetEvaluator runs preset scripts. A script sees the predeclared
// variables passed to Evaluate and must define a provision dict, a
// configuration dict, or both.
type PresetEvaluator struct {
	timeout time.Duration
}

// NewPresetEvaluator creates an evaluator aborting scripts after timeout.
func NewPresetEvaluator(timeout time.Duration) *PresetEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &PresetEvaluator{timeout: timeout}
}

// EvaluateFile reads and evaluates the script at path.
func (e *PresetEvaluator) EvaluateFile(ctx context.Context, path string, vars map[string]interface{}) (*Preset, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset: %w", err)
	}
	return e.Evaluate(ctx, filepath.Base(path), string(script), vars)
}

// Evaluate runs script and extracts the preset.
func (e *PresetEvaluator) Evaluate(ctx context.Context, filename, script string, vars map[string]interface{}) (*Preset, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "preset",
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("preset", filename).Msg(msg)
		},
	}

	predeclared := starlark.StringDict{"struct": starlark.NewBuiltin("struct", starlarkstruct.Make)}
	for key, val := range vars {
		v, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert preset variable %s: %w", key, err)
		}
		predeclared[key] = v
	}

	type result struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan result, 1)
	go func() {
		globals, err := starlark.ExecFile(thread, filename, script, predeclared)
		done <- result{globals, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		<-done
		return nil, fmt.Errorf("preset %s aborted: %w", filename, ctx.Err())
	case res = <-done:
	}

	if res.err != nil {
		var evalErr *starlark.EvalError
		if errors.As(res.err, &evalErr) {
			return nil, fmt.Errorf("preset %s failed: %s", filename, evalErr.Backtrace())
		}
		return nil, fmt.Errorf("preset %s failed: %w", filename, res.err)
	}

	preset := &Preset{}
	var err error
	if preset.Provision, err = dictGlobal(res.globals, "provision"); err != nil {
		return nil, fmt.Errorf("preset %s: %w", filename, err)
	}
	if preset.Configuration, err = dictGlobal(res.globals, "configuration"); err != nil {
		return nil, fmt.Errorf("preset %s: %w", filename, err)
	}
	if preset.Provision == nil && preset.Configuration == nil {
		return nil, fmt.Errorf("preset %s defines neither provision nor configuration", filename)
	}
	return preset, nil
}

func dictGlobal(globals starlark.StringDict, name string) (map[string]interface{}, error) {
	v, ok := globals[name]
	if !ok {
		return nil, nil
	}
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	m, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a dict or struct, got %s", name, v.Type())
	}
	return m, nil
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return int(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
