// Package dataset resolves ADF dataset references into self-contained
// dataset settings for Fabric Copy activities. A reference plus call-site
// parameters becomes one merged object carrying the store location, format
// and compression, with @dataset() expressions substituted in.
package dataset

import (
	"fmt"
	"regexp"
	"strings"

	"fabric-migrate/migration/arm"
)

// UnresolvedReferenceError indicates a reference to a component that does
// not exist in the template index. Always propagated: an unresolved
// dataset would otherwise become an empty Copy activity that fails only
// at runtime in the target workspace.
type UnresolvedReferenceError struct {
	Kind      arm.ComponentKind `json:"kind"`
	Reference string            `json:"reference"`
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved %s reference %q", e.Kind, e.Reference)
}

// Reference is a dataset reference as it appears on a Copy activity:
// a name pointing into the template index plus call-site parameters.
type Reference struct {
	ReferenceName string                 `json:"referenceName"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
}

// ReferenceFromMap reads a {referenceName, parameters} object out of an
// activity's inputs/outputs entry.
func ReferenceFromMap(m map[string]interface{}) (Reference, bool) {
	name, ok := m["referenceName"].(string)
	if !ok || name == "" {
		return Reference{}, false
	}
	ref := Reference{ReferenceName: name}
	if params, ok := m["parameters"].(map[string]interface{}); ok {
		ref.Parameters = params
	}
	return ref, true
}

// Settings is the merged, self-contained replacement for a dataset
// reference in the Fabric pipeline format.
type Settings struct {
	Type           string                 `json:"type"`
	TypeProperties map[string]interface{} `json:"typeProperties"`
	Schema         interface{}            `json:"schema,omitempty"`

	// Lifted for callers that only need the essentials.
	CompressionCodec string `json:"-"`

	// Diagnostics records expressions the engine did not recognize and
	// passed through unchanged. Surfaced as warnings, never errors.
	Diagnostics []string `json:"-"`
}

// Location returns the settings' store location map, if any.
func (s *Settings) Location() (map[string]interface{}, bool) {
	loc, ok := s.TypeProperties["location"].(map[string]interface{})
	return loc, ok
}

// Resolver resolves dataset references against one template index.
// Resolution is deterministic: same reference, same output.
type Resolver struct {
	index *arm.ComponentIndex
}

// NewResolver creates a dataset resolver over the given index.
func NewResolver(index *arm.ComponentIndex) *Resolver {
	return &Resolver{index: index}
}

// Resolve looks up the referenced dataset and produces merged settings.
func (r *Resolver) Resolve(ref Reference) (*Settings, error) {
	comp, ok := r.index.Dataset(ref.ReferenceName)
	if !ok {
		return nil, &UnresolvedReferenceError{Kind: arm.KindDataset, Reference: ref.ReferenceName}
	}

	settings := &Settings{
		TypeProperties: map[string]interface{}{},
	}
	if t, ok := comp.Properties["type"].(string); ok {
		settings.Type = t
	}
	if schema, ok := comp.Properties["schema"]; ok {
		settings.Schema = schema
	}

	params := r.mergeParameters(comp, ref.Parameters)

	if tp, ok := comp.Properties["typeProperties"].(map[string]interface{}); ok {
		settings.TypeProperties = r.substituteMap(tp, params, settings)
	}
	if codec, ok := settings.TypeProperties["compressionCodec"].(string); ok {
		settings.CompressionCodec = codec
	}

	r.applyStoreLocation(comp, settings)

	return settings, nil
}

// mergeParameters overlays call-site parameters on the dataset's declared
// parameter defaults.
func (r *Resolver) mergeParameters(comp *arm.Component, callSite map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})

	if decls, ok := comp.Properties["parameters"].(map[string]interface{}); ok {
		for name, decl := range decls {
			if m, ok := decl.(map[string]interface{}); ok {
				if def, ok := m["defaultValue"]; ok {
					merged[name] = def
				}
			}
		}
	}
	for name, val := range callSite {
		merged[name] = val
	}
	return merged
}

// applyStoreLocation fills fileSystem/container on the location from the
// dataset's linked service when the dataset itself omits it. Which key
// applies follows from the linked service's store type.
func (r *Resolver) applyStoreLocation(comp *arm.Component, settings *Settings) {
	loc, ok := settings.Location()
	if !ok {
		return
	}

	lsRef, ok := comp.Properties["linkedServiceName"].(map[string]interface{})
	if !ok {
		return
	}
	lsName, _ := lsRef["referenceName"].(string)
	if lsName == "" {
		return
	}

	ls, ok := r.index.LinkedService(lsName)
	if !ok {
		settings.Diagnostics = append(settings.Diagnostics,
			fmt.Sprintf("linked service %q not found in template; store location not derived", lsName))
		return
	}

	lsType, _ := ls.Properties["type"].(string)
	key := storeLocationKey(lsType)
	if key == "" {
		return
	}

	if existing, ok := loc[key].(string); ok && existing != "" {
		return
	}

	if lsProps, ok := ls.Properties["typeProperties"].(map[string]interface{}); ok {
		if def, ok := lsProps[key].(string); ok && def != "" {
			loc[key] = def
		}
	}
}

// storeLocationKey maps a linked service type to the location key its
// store requires (ADLS Gen2 stores address a fileSystem, blob stores a
// container).
func storeLocationKey(linkedServiceType string) string {
	switch linkedServiceType {
	case "AzureBlobFS":
		return "fileSystem"
	case "AzureBlobStorage", "AzureStorage":
		return "container"
	default:
		return ""
	}
}

// =============================================================================
// EXPRESSION SUBSTITUTION
// =============================================================================

// Recognized @dataset() expression forms. Substitution is literal value
// replacement, not expression evaluation: anything outside these two
// patterns passes through unchanged and lands in Diagnostics.
var (
	wholeDatasetExpr    = regexp.MustCompile(`^@dataset\(\)\.(\w+)$`)
	embeddedDatasetExpr = regexp.MustCompile(`@\{dataset\(\)\.(\w+)\}`)
)

// substituteMap deep-copies a typeProperties map with @dataset()
// parameter expressions replaced by their call-site values.
func (r *Resolver) substituteMap(m map[string]interface{}, params map[string]interface{}, settings *Settings) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = r.substituteValue(v, params, settings)
	}
	return out
}

func (r *Resolver) substituteValue(v interface{}, params map[string]interface{}, settings *Settings) interface{} {
	switch val := v.(type) {
	case string:
		return r.substituteString(val, params, settings)
	case map[string]interface{}:
		// ADF wraps dynamic fields as {"value": "...", "type": "Expression"}.
		// When substitution resolves the value to a literal, the wrapper
		// collapses to the plain string Fabric expects.
		if exprVal, ok := expressionValue(val); ok {
			resolved := r.substituteString(exprVal, params, settings)
			if s, ok := resolved.(string); ok && !strings.Contains(s, "@") {
				return s
			}
			if _, isStr := resolved.(string); !isStr {
				return resolved
			}
			out := copyShallow(val)
			out["value"] = resolved
			return out
		}
		return r.substituteMap(val, params, settings)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.substituteValue(item, params, settings)
		}
		return out
	default:
		return v
	}
}

func (r *Resolver) substituteString(s string, params map[string]interface{}, settings *Settings) interface{} {
	if m := wholeDatasetExpr.FindStringSubmatch(s); m != nil {
		if val, ok := params[m[1]]; ok {
			return val
		}
		settings.Diagnostics = append(settings.Diagnostics,
			fmt.Sprintf("no value for dataset parameter %q; expression %q passed through", m[1], s))
		return s
	}

	replaced := embeddedDatasetExpr.ReplaceAllStringFunc(s, func(match string) string {
		name := embeddedDatasetExpr.FindStringSubmatch(match)[1]
		if val, ok := params[name]; ok {
			return fmt.Sprintf("%v", val)
		}
		settings.Diagnostics = append(settings.Diagnostics,
			fmt.Sprintf("no value for dataset parameter %q; expression %q passed through", name, match))
		return match
	})

	if strings.Contains(replaced, "@") && replaced == s && !embeddedDatasetExpr.MatchString(s) {
		settings.Diagnostics = append(settings.Diagnostics,
			fmt.Sprintf("unrecognized expression %q passed through", s))
	}
	return replaced
}

func expressionValue(m map[string]interface{}) (string, bool) {
	if t, ok := m["type"].(string); !ok || t != "Expression" {
		return "", false
	}
	v, ok := m["value"].(string)
	return v, ok
}

func copyShallow(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
