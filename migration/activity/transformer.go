// Package activity rewrites ADF activity trees into the shape Fabric's
// pipeline runtime expects. One recursive descent dispatches on the
// activity type discriminator: Copy activities get their dataset
// references inlined, ExecutePipeline references are resolved against the
// target workspace, and the container activities (ForEach, IfCondition,
// Switch, Until) recurse into their nested activity lists.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"fabric-migrate/migration/arm"
	"fabric-migrate/migration/dataset"
	"fabric-migrate/migration/fabric"
	"fabric-migrate/migration/params"
)

// Activity type discriminators the transformer dispatches on. Every
// other type passes through with only expression rewrites.
const (
	typeCopy            = "Copy"
	typeExecutePipeline = "ExecutePipeline"
	typeForEach         = "ForEach"
	typeUntil           = "Until"
	typeIfCondition     = "IfCondition"
	typeSwitch          = "Switch"
)

// Legacy marker keys some exports carry next to inputs/outputs.
var legacyDatasetKeys = []string{"inputs", "outputs", "_originalInputs", "_originalOutputs"}

// UnsupportedShapeError marks an activity outside the supported subset.
// Fatal for that activity only: it is reported and kept untransformed
// while its siblings continue.
type UnsupportedShapeError struct {
	Activity string `json:"activity"`
	Reason   string `json:"reason"`
}

func (e *UnsupportedShapeError) Error() string {
	return fmt.Sprintf("unsupported activity shape in %q: %s", e.Activity, e.Reason)
}

// ActivityError is one recorded per-activity failure.
type ActivityError struct {
	Activity string `json:"activity"`
	Reason   string `json:"reason"`
}

// Stats counts what one pipeline transform did.
type Stats struct {
	ActivitiesProcessed  int `json:"activities_processed"`
	CopyRewritten        int `json:"copy_rewritten"`
	PipelineRefsResolved int `json:"pipeline_refs_resolved"`
	PipelineRefsDeferred int `json:"pipeline_refs_deferred"`
	ExpressionRewrites   int `json:"expression_rewrites"`
}

// PipelineResult is the outcome of transforming one pipeline.
type PipelineResult struct {
	Name     string                 `json:"name"`
	Document map[string]interface{} `json:"document"`

	Errors   []ActivityError `json:"errors,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	Stats    Stats           `json:"stats"`
}

// Options configures one transformer.
type Options struct {
	// Target workspace for ExecutePipeline resolution.
	WorkspaceID string
	Token       string

	// Offline skips workspace lookups entirely; every cross-pipeline
	// reference gets a deferred marker.
	Offline bool
}

// Transformer rewrites pipelines from one template index. It holds no
// mutable state of its own, so one instance may transform independent
// pipelines concurrently.
type Transformer struct {
	index     *arm.ComponentIndex
	datasets  *dataset.Resolver
	pipelines *fabric.Resolver
	rewriter  *params.Rewriter
	opts      Options
	logger    *slog.Logger
}

// NewTransformer creates a transformer. pipelines may be nil when running
// offline; rewriter may be nil when the factory has no global parameters.
func NewTransformer(index *arm.ComponentIndex, pipelines *fabric.Resolver, rewriter *params.Rewriter, opts Options) *Transformer {
	return &Transformer{
		index:     index,
		datasets:  dataset.NewResolver(index),
		pipelines: pipelines,
		rewriter:  rewriter,
		opts:      opts,
		logger:    slog.Default(),
	}
}

// TransformPipeline rewrites one pipeline component into a Fabric
// pipeline document. The component is never mutated. An unresolved
// dataset reference aborts this pipeline with the failing activity and
// reference named; unsupported activity shapes are recorded and skipped.
func (t *Transformer) TransformPipeline(ctx context.Context, comp *arm.Component) (*PipelineResult, error) {
	result := &PipelineResult{Name: comp.Name}

	props := deepCopyMap(comp.Properties)
	if t.rewriter != nil {
		rewritten, n := t.rewriter.RewriteValue(props)
		props = rewritten.(map[string]interface{})
		result.Stats.ExpressionRewrites = n
	}

	if rawActivities, ok := props["activities"].([]interface{}); ok {
		if err := t.transformList(ctx, rawActivities, result); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", comp.Name, err)
		}
	}

	result.Document = map[string]interface{}{
		"name":       comp.Name,
		"properties": props,
	}
	return result, nil
}

// transformList transforms sibling activities in order. Order and
// dependsOn edges are preserved verbatim: edges reference sibling names,
// and names never change.
func (t *Transformer) transformList(ctx context.Context, activities []interface{}, result *PipelineResult) error {
	for _, raw := range activities {
		act, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if err := t.transformActivity(ctx, act, result); err != nil {
			return err
		}
	}
	return nil
}

// transformActivity rewrites one activity in place (the tree is already
// this transform's private copy). Pre-order: the node itself first, then
// its nested lists left to right.
func (t *Transformer) transformActivity(ctx context.Context, act map[string]interface{}, result *PipelineResult) error {
	result.Stats.ActivitiesProcessed++

	name, _ := act["name"].(string)
	actType, _ := act["type"].(string)

	switch actType {
	case typeCopy:
		return t.transformCopy(act, name, result)

	case typeExecutePipeline:
		t.transformExecutePipeline(ctx, act, name, result)
		return nil

	case typeForEach, typeUntil:
		if tp, ok := act["typeProperties"].(map[string]interface{}); ok {
			if nested, ok := tp["activities"].([]interface{}); ok {
				return t.transformList(ctx, nested, result)
			}
		}
		return nil

	case typeIfCondition:
		// Either branch may be absent and stays absent; presence is part
		// of the source's meaning.
		if tp, ok := act["typeProperties"].(map[string]interface{}); ok {
			for _, key := range []string{"ifTrueActivities", "ifFalseActivities"} {
				if nested, ok := tp[key].([]interface{}); ok {
					if err := t.transformList(ctx, nested, result); err != nil {
						return err
					}
				}
			}
		}
		return nil

	case typeSwitch:
		if tp, ok := act["typeProperties"].(map[string]interface{}); ok {
			if cases, ok := tp["cases"].([]interface{}); ok {
				for _, rawCase := range cases {
					c, ok := rawCase.(map[string]interface{})
					if !ok {
						continue
					}
					if nested, ok := c["activities"].([]interface{}); ok {
						if err := t.transformList(ctx, nested, result); err != nil {
							return err
						}
					}
				}
			}
			if nested, ok := tp["defaultActivities"].([]interface{}); ok {
				return t.transformList(ctx, nested, result)
			}
		}
		return nil

	default:
		// Lookup, Web, SetVariable, custom activities: pass through.
		// Expression rewrites already ran over the whole tree.
		return nil
	}
}

// =============================================================================
// COPY ACTIVITIES
// =============================================================================

// transformCopy inlines the Copy activity's dataset references as
// datasetSettings on source and sink, then removes the reference arrays.
func (t *Transformer) transformCopy(act map[string]interface{}, name string, result *PipelineResult) error {
	inputs := referenceList(act["inputs"])
	outputs := referenceList(act["outputs"])

	if len(inputs) == 0 && len(outputs) == 0 {
		// Already transformed (or a degenerate Copy with no references):
		// transforming twice is a no-op.
		if copyHasDatasetSettings(act) {
			return nil
		}
	}

	if len(inputs) > 1 || len(outputs) > 1 {
		shapeErr := &UnsupportedShapeError{
			Activity: name,
			Reason: fmt.Sprintf("Copy supports a single input and output dataset, found %d/%d",
				len(inputs), len(outputs)),
		}
		t.logger.Warn("skipping activity", "activity", name, "error", shapeErr)
		result.Errors = append(result.Errors, ActivityError{Activity: name, Reason: shapeErr.Error()})
		return nil
	}

	tp := ensureMap(act, "typeProperties")

	if len(inputs) == 1 {
		if err := t.inlineDataset(tp, "source", inputs[0], name, result); err != nil {
			return err
		}
	}
	if len(outputs) == 1 {
		if err := t.inlineDataset(tp, "sink", outputs[0], name, result); err != nil {
			return err
		}
	}

	for _, key := range legacyDatasetKeys {
		delete(act, key)
	}
	result.Stats.CopyRewritten++
	return nil
}

func (t *Transformer) inlineDataset(tp map[string]interface{}, side string, ref dataset.Reference, activityName string, result *PipelineResult) error {
	settings, err := t.datasets.Resolve(ref)
	if err != nil {
		// Unresolved dataset: fatal for the pipeline. An inlined-but-empty
		// Copy activity is worse than no output.
		return fmt.Errorf("activity %q %s: %w", activityName, side, err)
	}
	for _, d := range settings.Diagnostics {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s %s: %s", activityName, side, d))
	}

	sideMap := ensureMap(tp, side)
	sideMap["datasetSettings"] = settingsAsMap(settings)
	return nil
}

func referenceList(v interface{}) []dataset.Reference {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	refs := make([]dataset.Reference, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			if ref, ok := dataset.ReferenceFromMap(m); ok {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func copyHasDatasetSettings(act map[string]interface{}) bool {
	tp, ok := act["typeProperties"].(map[string]interface{})
	if !ok {
		return false
	}
	for _, side := range []string{"source", "sink"} {
		if m, ok := tp[side].(map[string]interface{}); ok {
			if _, ok := m["datasetSettings"]; ok {
				return true
			}
		}
	}
	return false
}

// settingsAsMap converts resolved settings into the raw map inserted in
// the activity tree.
func settingsAsMap(s *dataset.Settings) map[string]interface{} {
	raw, err := json.Marshal(s)
	if err != nil {
		return map[string]interface{}{"type": s.Type, "typeProperties": s.TypeProperties}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": s.Type, "typeProperties": s.TypeProperties}
	}
	return out
}

// =============================================================================
// EXECUTE PIPELINE ACTIVITIES
// =============================================================================

// DeferredReferenceKey marks an ExecutePipeline activity whose target
// does not exist in the workspace yet. The publish collaborator re-runs
// resolution after the referenced pipeline is created.
const DeferredReferenceKey = "_deferredPipelineReference"

func (t *Transformer) transformExecutePipeline(ctx context.Context, act map[string]interface{}, name string, result *PipelineResult) {
	tp := ensureMap(act, "typeProperties")
	refName := ""
	if ref, ok := tp["pipeline"].(map[string]interface{}); ok {
		refName, _ = ref["referenceName"].(string)
	}

	if t.opts.Offline || t.pipelines == nil {
		tp[DeferredReferenceKey] = refName
		result.Stats.PipelineRefsDeferred++
		return
	}

	id := t.pipelines.ResolvePipelineReference(ctx, refName, t.opts.WorkspaceID, t.opts.Token)
	if id == "" {
		// A single missing dependency must not abort the rest of the
		// pipeline; the reference is kept and marked for later.
		tp[DeferredReferenceKey] = refName
		result.Stats.PipelineRefsDeferred++
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s: pipeline %q not found in workspace %s; reference deferred",
				name, refName, t.opts.WorkspaceID))
		return
	}

	tp["pipelineId"] = id
	delete(tp, DeferredReferenceKey)
	result.Stats.PipelineRefsResolved++
}

func ensureMap(parent map[string]interface{}, key string) map[string]interface{} {
	if m, ok := parent[key].(map[string]interface{}); ok {
		return m
	}
	m := make(map[string]interface{})
	parent[key] = m
	return m
}
