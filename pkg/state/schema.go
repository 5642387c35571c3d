package state

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/cloudypad/cloudypad/pkg/engine"
)

//go:embed schema.cue
var builtinSchema string

// StateDefinition is the definition a current-version record must satisfy.
const StateDefinition = "#State"

// SchemaRegistry validates raw documents against CUE definitions.
// A cue.Context is not safe for concurrent use, so every access is serialized.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a registry holding the built-in record schema
// under the name "state".
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("state", builtinSchema, StateDefinition); err != nil {
		return nil, err
	}
	return sr, nil
}

// RegisterSchema compiles src and registers the given definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, src, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}
	sr.schemas[name] = def
	return nil
}

// Validate checks data against the named schema. A mismatch is reported as a
// validation error naming the first offending path.
func (sr *SchemaRegistry) Validate(name string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(withoutNulls(data))
	if err := dataVal.Err(); err != nil {
		return engine.NewValidationError("", fmt.Sprintf("failed to encode document: %v", err))
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		path, msg := firstMismatch(err)
		return engine.NewValidationError(path, msg)
	}
	return nil
}

// Schemas lists the registered schema names.
func (sr *SchemaRegistry) Schemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// firstMismatch picks the error with the lexically smallest path so reports
// are stable across runs.
func firstMismatch(err error) (string, string) {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return "", err.Error()
	}
	sort.SliceStable(errs, func(i, j int) bool {
		return documentPath(errs[i].Path()) < documentPath(errs[j].Path())
	})
	first := errs[0]
	format, args := first.Msg()
	return documentPath(first.Path()), fmt.Sprintf(format, args...)
}

// documentPath drops the definition selectors CUE puts in front of a path.
func documentPath(path []string) string {
	for len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return strings.Join(path, ".")
}

// withoutNulls copies v without the map entries set to null. A null field is
// the same as an absent one for the schema.
func withoutNulls(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			if e != nil {
				out[k] = withoutNulls(e)
			}
		}
		return out
	case Values:
		return withoutNulls(map[string]interface{}(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = withoutNulls(e)
		}
		return out
	default:
		return v
	}
}
