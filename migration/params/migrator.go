// Package params migrates ADF factory global parameters to a Fabric
// Variable Library. It extracts every global-parameter usage across the
// indexed pipelines, builds one library definition, and rewrites pipeline
// expressions to the library-variable form.
package params

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"fabric-migrate/migration/arm"
)

// ParamType is the ADF-side type of a global parameter.
type ParamType string

const (
	TypeString       ParamType = "String"
	TypeInt          ParamType = "Int"
	TypeFloat        ParamType = "Float"
	TypeBool         ParamType = "Bool"
	TypeArray        ParamType = "Array"
	TypeObject       ParamType = "Object"
	TypeSecureString ParamType = "SecureString"
)

// Fabric variable library types.
const (
	VarTypeString  = "String"
	VarTypeInteger = "Integer"
	VarTypeNumber  = "Number"
	VarTypeBoolean = "Boolean"
)

// SecretPlaceholder is the literal ADF exports in place of secure string
// values. A library variable carrying it must never deploy.
const SecretPlaceholder = "SECRET"

// ParameterReference is one distinct global parameter found across the
// factory's pipelines.
type ParameterReference struct {
	Name      string      `json:"name"`
	Type      ParamType   `json:"type"`
	Value     interface{} `json:"value,omitempty"`
	Pipelines []string    `json:"pipelines"`
}

// Variable is one entry of a Fabric variable library.
type Variable struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
	Note  string      `json:"note,omitempty"`
}

// VariableLibrary is a deployable Fabric variable library definition.
type VariableLibrary struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Variables   []Variable `json:"variables"`
}

// PlaceholderSecretError blocks library deployment when secure variables
// carry only the export placeholder instead of a real value.
type PlaceholderSecretError struct {
	Variables []string
}

func (e *PlaceholderSecretError) Error() string {
	return fmt.Sprintf("variable library not deployable: secure variables %s carry the %q placeholder and need real values",
		strings.Join(e.Variables, ", "), SecretPlaceholder)
}

// Expression forms referencing a global parameter. Rewrites are scoped to
// exactly these; anything else is left alone.
var (
	wholeGlobalExpr    = regexp.MustCompile(`@pipeline\(\)\.globalParameters\.(\w+)`)
	embeddedGlobalExpr = regexp.MustCompile(`@\{pipeline\(\)\.globalParameters\.(\w+)\}`)
)

// Extract scans every pipeline's expressions for global-parameter usage
// and returns one reference per distinct parameter name, typed from the
// factory declaration when the export carried one, else inferred from
// the declared value.
func Extract(pipelines []*arm.Component, idx *arm.ComponentIndex) []ParameterReference {
	usage := make(map[string]map[string]bool) // param -> pipeline names

	for _, p := range pipelines {
		raw, err := json.Marshal(p.Properties)
		if err != nil {
			continue
		}
		text := string(raw)
		for _, re := range []*regexp.Regexp{wholeGlobalExpr, embeddedGlobalExpr} {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				name := m[1]
				if usage[name] == nil {
					usage[name] = make(map[string]bool)
				}
				usage[name][p.Name] = true
			}
		}
	}

	decls := idx.GlobalParameters()
	refs := make([]ParameterReference, 0, len(usage))
	for name, pipelineSet := range usage {
		ref := ParameterReference{Name: name}
		if decl, ok := decls[name]; ok {
			ref.Type = normalizeType(decl.Type)
			ref.Value = decl.Value
		}
		if ref.Type == "" {
			ref.Type = inferType(ref.Value)
		}

		for pn := range pipelineSet {
			ref.Pipelines = append(ref.Pipelines, pn)
		}
		sort.Strings(ref.Pipelines)
		refs = append(refs, ref)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs
}

func normalizeType(adfType string) ParamType {
	switch strings.ToLower(adfType) {
	case "string":
		return TypeString
	case "int":
		return TypeInt
	case "float":
		return TypeFloat
	case "bool":
		return TypeBool
	case "array":
		return TypeArray
	case "object":
		return TypeObject
	case "securestring":
		return TypeSecureString
	default:
		return ""
	}
}

// inferType types a parameter from its exported value. JSON numbers are
// classified through decimal so 3 stays Int while 3.5 becomes Float,
// without float representation drift deciding the outcome.
func inferType(value interface{}) ParamType {
	switch v := value.(type) {
	case nil:
		return TypeString
	case bool:
		return TypeBool
	case string:
		return TypeString
	case float64:
		if decimal.NewFromFloat(v).IsInteger() {
			return TypeInt
		}
		return TypeFloat
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err == nil && d.IsInteger() {
			return TypeInt
		}
		return TypeFloat
	case []interface{}:
		return TypeArray
	case map[string]interface{}:
		return TypeObject
	default:
		return TypeString
	}
}

// BuildLibrary maps parameter references to one Fabric variable library.
// Every variable carries a concrete default; a secure parameter whose
// only known value is the export placeholder blocks deployment.
func BuildLibrary(refs []ParameterReference, name, description string) (*VariableLibrary, error) {
	lib := &VariableLibrary{
		Name:        name,
		Description: description,
		Variables:   make([]Variable, 0, len(refs)),
	}

	var blocked []string
	for _, ref := range refs {
		v := Variable{
			Name: ref.Name,
			Type: fabricType(ref.Type),
		}

		switch ref.Type {
		case TypeSecureString:
			s, _ := ref.Value.(string)
			if s == "" || s == SecretPlaceholder {
				blocked = append(blocked, ref.Name)
			}
			v.Value = ref.Value
			v.Note = "was SecureString; supply the real value before deployment"
		default:
			v.Value = defaultValue(ref.Type, ref.Value)
		}

		lib.Variables = append(lib.Variables, v)
	}

	if len(blocked) > 0 {
		sort.Strings(blocked)
		return nil, &PlaceholderSecretError{Variables: blocked}
	}
	return lib, nil
}

// fabricType maps an ADF parameter type to the nearest Fabric variable
// type. Array, Object and SecureString have no Fabric equivalent and
// land on String.
func fabricType(t ParamType) string {
	switch t {
	case TypeInt:
		return VarTypeInteger
	case TypeFloat:
		return VarTypeNumber
	case TypeBool:
		return VarTypeBoolean
	default:
		return VarTypeString
	}
}

// defaultValue fills a concrete default when the export carried no value.
func defaultValue(t ParamType, value interface{}) interface{} {
	if value != nil {
		if t == TypeInt {
			// Exported JSON numbers arrive as float64; integers round-trip
			// through decimal so 7.0 serializes as 7.
			if f, ok := value.(float64); ok {
				return decimal.NewFromFloat(f).IntPart()
			}
		}
		if t == TypeArray || t == TypeObject {
			// String-typed Fabric variable: carried as JSON text.
			raw, err := json.Marshal(value)
			if err == nil {
				return string(raw)
			}
		}
		return value
	}

	switch t {
	case TypeBool:
		return false
	case TypeInt:
		return int64(0)
	case TypeFloat:
		return float64(0)
	default:
		return ""
	}
}

// Rewriter rewrites global-parameter expressions to the library-variable
// form. Substitution is purely textual and scoped to recognized patterns:
// parameters without a library variable are left untouched.
type Rewriter struct {
	known map[string]bool
}

// NewRewriter creates a rewriter covering the library's variables.
func NewRewriter(lib *VariableLibrary) *Rewriter {
	known := make(map[string]bool, len(lib.Variables))
	for _, v := range lib.Variables {
		known[v.Name] = true
	}
	return &Rewriter{known: known}
}

// NewRewriterFromRefs creates a rewriter covering extracted references,
// for callers that rewrite before (or without) building a library.
func NewRewriterFromRefs(refs []ParameterReference) *Rewriter {
	known := make(map[string]bool, len(refs))
	for _, ref := range refs {
		known[ref.Name] = true
	}
	return &Rewriter{known: known}
}

// RewriteString rewrites every recognized global-parameter expression in
// one string, reporting how many substitutions were made.
func (rw *Rewriter) RewriteString(s string) (string, int) {
	count := 0
	// The embedded @{...} form is a superset match of the whole form, so
	// it rewrites first.
	out := embeddedGlobalExpr.ReplaceAllStringFunc(s, func(match string) string {
		name := embeddedGlobalExpr.FindStringSubmatch(match)[1]
		if !rw.known[name] {
			return match
		}
		count++
		return "@{pipeline().libraryVariables." + name + "}"
	})
	out = wholeGlobalExpr.ReplaceAllStringFunc(out, func(match string) string {
		name := wholeGlobalExpr.FindStringSubmatch(match)[1]
		if !rw.known[name] {
			return match
		}
		count++
		return "@pipeline().libraryVariables." + name
	})
	return out, count
}

// RewriteValue rewrites expressions in an arbitrary JSON value tree,
// returning a rewritten copy. The input is never mutated.
func (rw *Rewriter) RewriteValue(v interface{}) (interface{}, int) {
	switch val := v.(type) {
	case string:
		return rw.RewriteString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		total := 0
		for k, item := range val {
			rewritten, n := rw.RewriteValue(item)
			out[k] = rewritten
			total += n
		}
		return out, total
	case []interface{}:
		out := make([]interface{}, len(val))
		total := 0
		for i, item := range val {
			rewritten, n := rw.RewriteValue(item)
			out[i] = rewritten
			total += n
		}
		return out, total
	default:
		return v, 0
	}
}
