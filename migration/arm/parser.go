// Package arm parses exported ADF ARM templates into a component index.
// All migration inputs flow through here: the index is the single lookup
// surface for pipelines, datasets, linked services and triggers.
package arm

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// ParseError indicates a malformed or ambiguous source template.
// It is fatal: a template that cannot be indexed aborts the whole run.
type ParseError struct {
	Resource string `json:"resource,omitempty"`
	Reason   string `json:"reason"`
}

func (e *ParseError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("template parse error at %q: %s", e.Resource, e.Reason)
	}
	return fmt.Sprintf("template parse error: %s", e.Reason)
}

// ComponentIndex holds every named component of one factory export,
// keyed by bare component name within each kind.
type ComponentIndex struct {
	pipelines      map[string]*Component
	datasets       map[string]*Component
	linkedServices map[string]*Component
	triggers       map[string]*Component

	// globalParameters from the factory root resource, when present.
	globalParameters map[string]GlobalParameter

	factoryName string
}

// Parser parses ADF ARM template JSON exports.
type Parser struct{}

// NewParser creates a template parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseFile parses an ARM template JSON file.
func (p *Parser) ParseFile(path string) (*ComponentIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template file: %w", err)
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse parses an ARM template from a reader.
func (p *Parser) Parse(r io.Reader) (*ComponentIndex, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	return p.ParseBytes(data)
}

// ParseBytes parses an ARM template from bytes.
func (p *Parser) ParseBytes(data []byte) (*ComponentIndex, error) {
	var raw TemplateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return p.transform(&raw)
}

// transform converts the raw template into the component index.
func (p *Parser) transform(raw *TemplateJSON) (*ComponentIndex, error) {
	if raw.Resources == nil {
		return nil, &ParseError{Reason: "template has no resources array"}
	}

	idx := &ComponentIndex{
		pipelines:        make(map[string]*Component),
		datasets:         make(map[string]*Component),
		linkedServices:   make(map[string]*Component),
		triggers:         make(map[string]*Component),
		globalParameters: make(map[string]GlobalParameter),
	}

	for i, res := range raw.Resources {
		if res.Type == "" {
			return nil, &ParseError{
				Resource: res.Name,
				Reason:   fmt.Sprintf("resource %d has no type", i),
			}
		}
		if res.Name == "" {
			return nil, &ParseError{
				Resource: res.Type,
				Reason:   fmt.Sprintf("resource %d has no name", i),
			}
		}

		if res.Type == typeFactory {
			idx.factoryName = factoryResourceName(res.Name, raw.Parameters)
			idx.captureGlobalParameters(res.Properties)
			continue
		}

		kind, ok := kindForResourceType(res.Type)
		if !ok {
			// Not a component kind the migration understands
			// (integration runtimes, managed VNets, credentials).
			continue
		}

		name := ExtractComponentName(res.Name)
		if name == "" {
			return nil, &ParseError{
				Resource: res.Name,
				Reason:   "could not extract component name from resource name expression",
			}
		}

		comp := &Component{Name: name, Kind: kind, Properties: res.Properties}
		if err := idx.add(comp); err != nil {
			return nil, err
		}
	}

	return idx, nil
}

func kindForResourceType(resourceType string) (ComponentKind, bool) {
	switch {
	case strings.HasSuffix(resourceType, typeSuffixPipeline):
		return KindPipeline, true
	case strings.HasSuffix(resourceType, typeSuffixDataset):
		return KindDataset, true
	case strings.HasSuffix(resourceType, typeSuffixLinkedService):
		return KindLinkedService, true
	case strings.HasSuffix(resourceType, typeSuffixTrigger):
		return KindTrigger, true
	}
	return "", false
}

func (idx *ComponentIndex) add(comp *Component) error {
	bucket := idx.bucket(comp.Kind)
	if _, exists := bucket[comp.Name]; exists {
		// ARM exports are name-unique per kind; a duplicate means the
		// template was concatenated or hand-edited. Assert, never overwrite.
		return &ParseError{
			Resource: comp.Name,
			Reason:   fmt.Sprintf("duplicate %s name", comp.Kind),
		}
	}
	bucket[comp.Name] = comp
	return nil
}

func (idx *ComponentIndex) bucket(kind ComponentKind) map[string]*Component {
	switch kind {
	case KindPipeline:
		return idx.pipelines
	case KindDataset:
		return idx.datasets
	case KindLinkedService:
		return idx.linkedServices
	default:
		return idx.triggers
	}
}

func (idx *ComponentIndex) captureGlobalParameters(props map[string]interface{}) {
	gp, ok := props["globalParameters"].(map[string]interface{})
	if !ok {
		return
	}
	for name, decl := range gp {
		m, ok := decl.(map[string]interface{})
		if !ok {
			continue
		}
		param := GlobalParameter{Value: m["value"]}
		if t, ok := m["type"].(string); ok {
			param.Type = t
		}
		idx.globalParameters[name] = param
	}
}

// =============================================================================
// LOOKUPS
// =============================================================================

// Pipeline returns the named pipeline component.
func (idx *ComponentIndex) Pipeline(name string) (*Component, bool) {
	c, ok := idx.pipelines[name]
	return c, ok
}

// Dataset returns the named dataset component.
func (idx *ComponentIndex) Dataset(name string) (*Component, bool) {
	c, ok := idx.datasets[name]
	return c, ok
}

// LinkedService returns the named linked service component.
func (idx *ComponentIndex) LinkedService(name string) (*Component, bool) {
	c, ok := idx.linkedServices[name]
	return c, ok
}

// Trigger returns the named trigger component.
func (idx *ComponentIndex) Trigger(name string) (*Component, bool) {
	c, ok := idx.triggers[name]
	return c, ok
}

// Pipelines returns all pipeline components in stable name order.
func (idx *ComponentIndex) Pipelines() []*Component {
	return sortedComponents(idx.pipelines)
}

// Datasets returns all dataset components in stable name order.
func (idx *ComponentIndex) Datasets() []*Component {
	return sortedComponents(idx.datasets)
}

// GlobalParameters returns the factory-level parameter declarations.
func (idx *ComponentIndex) GlobalParameters() map[string]GlobalParameter {
	return idx.globalParameters
}

// FactoryName returns the factory name when the export carried the
// factory root resource, otherwise "".
func (idx *ComponentIndex) FactoryName() string {
	return idx.factoryName
}

// Counts reports how many components of each kind were indexed.
func (idx *ComponentIndex) Counts() map[ComponentKind]int {
	return map[ComponentKind]int{
		KindPipeline:      len(idx.pipelines),
		KindDataset:       len(idx.datasets),
		KindLinkedService: len(idx.linkedServices),
		KindTrigger:       len(idx.triggers),
	}
}

func sortedComponents(m map[string]*Component) []*Component {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Component, 0, len(names))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}

// =============================================================================
// NAME EXPRESSIONS
// =============================================================================

// ADF exports name nested resources with concat expressions:
//
//	[concat(parameters('factoryName'), '/CopyOrders')]
//
// Only this subset (plus plain names and factory/name strings) needs to
// be understood; general ARM expression evaluation is out of scope.
var concatNamePattern = regexp.MustCompile(`^\[concat\(parameters\('[^']+'\),\s*'/([^']+)'\)\]$`)

// The factory root resource is named by a bare parameter reference.
var paramNamePattern = regexp.MustCompile(`^\[parameters\('([^']+)'\)\]$`)

// factoryResourceName resolves the factory root resource name. Exports
// name the factory [parameters('factoryName')], so the actual name lives
// in that template parameter's defaultValue.
func factoryResourceName(raw string, params map[string]TemplateParam) string {
	if name := ExtractComponentName(raw); name != "" {
		return name
	}
	if m := paramNamePattern.FindStringSubmatch(raw); m != nil {
		if p, ok := params[m[1]]; ok {
			if name, ok := p.DefaultValue.(string); ok {
				return name
			}
		}
	}
	return ""
}

// ExtractComponentName extracts the bare component name from an ARM
// resource name expression.
func ExtractComponentName(raw string) string {
	if m := concatNamePattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		// Some other expression form, e.g. [parameters('factoryName')].
		// Nothing nameable to extract beyond stripping the factory segment.
		return ""
	}
	// Plain "factory/Component" or bare "Component" names.
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		return raw[i+1:]
	}
	return raw
}
