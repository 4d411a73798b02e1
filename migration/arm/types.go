package arm

// Raw JSON shapes of an ADF factory export. Only the fields the index
// needs are declared; resource properties stay opaque maps because
// activity and dataset bodies are open-ended.

// TemplateJSON is the top-level structure of an exported ARM template.
type TemplateJSON struct {
	Schema         string                   `json:"$schema"`
	ContentVersion string                   `json:"contentVersion"`
	Parameters     map[string]TemplateParam `json:"parameters"`
	Resources      []ResourceJSON           `json:"resources"`
}

// TemplateParam is a template-level parameter declaration (factoryName etc).
type TemplateParam struct {
	Type         string      `json:"type"`
	DefaultValue interface{} `json:"defaultValue,omitempty"`
	Metadata     interface{} `json:"metadata,omitempty"`
}

// ResourceJSON is a single entry of the template's resources array.
type ResourceJSON struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	APIVersion string                 `json:"apiVersion"`
	Properties map[string]interface{} `json:"properties"`
	DependsOn  []string               `json:"dependsOn,omitempty"`
}

// ComponentKind classifies a named factory component.
type ComponentKind string

const (
	KindPipeline      ComponentKind = "pipeline"
	KindDataset       ComponentKind = "dataset"
	KindLinkedService ComponentKind = "linkedService"
	KindTrigger       ComponentKind = "trigger"
)

// ARM resource type suffixes identifying each component kind.
const (
	typeSuffixPipeline      = "/pipelines"
	typeSuffixDataset       = "/datasets"
	typeSuffixLinkedService = "/linkedServices"
	typeSuffixTrigger       = "/triggers"
	typeFactory             = "Microsoft.DataFactory/factories"
)

// Component is a named factory resource. Components are created once at
// parse time and never mutated; consumers deep-copy before rewriting.
type Component struct {
	Name       string                 `json:"name"`
	Kind       ComponentKind          `json:"kind"`
	Properties map[string]interface{} `json:"properties"`
}

// GlobalParameter is a factory-level parameter declaration
// (properties.globalParameters on the factory root resource).
type GlobalParameter struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}
