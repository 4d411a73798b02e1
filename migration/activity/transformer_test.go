package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric-migrate/migration/arm"
	"fabric-migrate/migration/dataset"
	"fabric-migrate/migration/fabric"
	"fabric-migrate/migration/params"
)

const transformTemplate = `{
	"resources": [
		{
			"name": "f/AzureDataLakeStorage1",
			"type": "Microsoft.DataFactory/factories/linkedServices",
			"properties": {
				"type": "AzureBlobFS",
				"typeProperties": {"url": "https://acct.dfs.core.windows.net"}
			}
		},
		{
			"name": "f/AzureSqlTable1",
			"type": "Microsoft.DataFactory/factories/datasets",
			"properties": {
				"type": "AzureSqlTable",
				"linkedServiceName": {"referenceName": "AzureSql1", "type": "LinkedServiceReference"},
				"typeProperties": {"schema": "dbo", "table": "orders"}
			}
		},
		{
			"name": "f/Parquet1",
			"type": "Microsoft.DataFactory/factories/datasets",
			"properties": {
				"type": "Parquet",
				"linkedServiceName": {"referenceName": "AzureDataLakeStorage1", "type": "LinkedServiceReference"},
				"parameters": {
					"p_Directory": {"type": "string"},
					"p_FileName": {"type": "string"}
				},
				"typeProperties": {
					"location": {
						"type": "AzureBlobFSLocation",
						"fileSystem": "data",
						"folderPath": {"value": "@dataset().p_Directory", "type": "Expression"},
						"fileName": {"value": "@dataset().p_FileName", "type": "Expression"}
					},
					"compressionCodec": "snappy"
				}
			}
		}
	]
}`

func copyActivity(name string) map[string]interface{} {
	return map[string]interface{}{
		"name": name,
		"type": "Copy",
		"inputs": []interface{}{
			map[string]interface{}{"referenceName": "AzureSqlTable1", "type": "DatasetReference"},
		},
		"outputs": []interface{}{
			map[string]interface{}{
				"referenceName": "Parquet1",
				"type":          "DatasetReference",
				"parameters": map[string]interface{}{
					"p_Directory": "migration",
					"p_FileName":  "grocery.parquet",
				},
			},
		},
		"typeProperties": map[string]interface{}{
			"source": map[string]interface{}{"type": "AzureSqlSource"},
			"sink":   map[string]interface{}{"type": "ParquetSink"},
		},
	}
}

func testIndex(t *testing.T) *arm.ComponentIndex {
	t.Helper()
	idx, err := arm.NewParser().ParseBytes([]byte(transformTemplate))
	require.NoError(t, err)
	return idx
}

func pipelineComponent(name string, activities ...interface{}) *arm.Component {
	return &arm.Component{
		Name: name,
		Kind: arm.KindPipeline,
		Properties: map[string]interface{}{
			"activities": activities,
		},
	}
}

func activityAt(t *testing.T, doc map[string]interface{}, i int) map[string]interface{} {
	t.Helper()
	props := doc["properties"].(map[string]interface{})
	acts := props["activities"].([]interface{})
	require.Greater(t, len(acts), i)
	return acts[i].(map[string]interface{})
}

func TestTransformCopyInlinesDatasets(t *testing.T) {
	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})
	comp := pipelineComponent("P1", copyActivity("CopyGrocery"))

	result, err := tr.TransformPipeline(context.Background(), comp)
	require.NoError(t, err)

	act := activityAt(t, result.Document, 0)
	assert.NotContains(t, act, "inputs")
	assert.NotContains(t, act, "outputs")

	tp := act["typeProperties"].(map[string]interface{})
	source := tp["source"].(map[string]interface{})
	require.Contains(t, source, "datasetSettings")

	sink := tp["sink"].(map[string]interface{})
	settings := sink["datasetSettings"].(map[string]interface{})
	loc := settings["typeProperties"].(map[string]interface{})["location"].(map[string]interface{})
	assert.Equal(t, "migration", loc["folderPath"])
	assert.Equal(t, "grocery.parquet", loc["fileName"])
	assert.Equal(t, "data", loc["fileSystem"])

	assert.Equal(t, 1, result.Stats.CopyRewritten)
	assert.Empty(t, result.Errors)
}

func TestTransformRemovesLegacyMarkers(t *testing.T) {
	act := copyActivity("CopyGrocery")
	act["_originalInputs"] = []interface{}{map[string]interface{}{"referenceName": "Old"}}
	act["_originalOutputs"] = []interface{}{map[string]interface{}{"referenceName": "Old"}}

	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})
	result, err := tr.TransformPipeline(context.Background(), pipelineComponent("P1", act))
	require.NoError(t, err)

	transformed := activityAt(t, result.Document, 0)
	for _, key := range []string{"inputs", "outputs", "_originalInputs", "_originalOutputs"} {
		assert.NotContains(t, transformed, key)
	}
}

func TestTransformDoesNotMutateInput(t *testing.T) {
	comp := pipelineComponent("P1", copyActivity("CopyGrocery"))
	before := deepCopyMap(comp.Properties)

	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})
	_, err := tr.TransformPipeline(context.Background(), comp)
	require.NoError(t, err)

	assert.Equal(t, before, comp.Properties, "source template must survive a transform untouched")
}

func TestTransformIsIdempotent(t *testing.T) {
	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})
	comp := pipelineComponent("P1", copyActivity("CopyGrocery"))

	first, err := tr.TransformPipeline(context.Background(), comp)
	require.NoError(t, err)

	again := &arm.Component{
		Name:       "P1",
		Kind:       arm.KindPipeline,
		Properties: first.Document["properties"].(map[string]interface{}),
	}
	second, err := tr.TransformPipeline(context.Background(), again)
	require.NoError(t, err)

	assert.Equal(t, first.Document, second.Document)
	assert.Empty(t, second.Errors)
}

func TestTransformNestedContainers(t *testing.T) {
	// ForEach -> IfCondition(true branch) -> Copy: the leakage invariant
	// holds at any depth.
	inner := copyActivity("DeepCopy")
	ifCond := map[string]interface{}{
		"name": "Branch",
		"type": "IfCondition",
		"typeProperties": map[string]interface{}{
			"expression":       map[string]interface{}{"value": "@equals(1,1)", "type": "Expression"},
			"ifTrueActivities": []interface{}{inner},
		},
	}
	forEach := map[string]interface{}{
		"name": "Loop",
		"type": "ForEach",
		"typeProperties": map[string]interface{}{
			"items":      map[string]interface{}{"value": "@pipeline().parameters.files", "type": "Expression"},
			"activities": []interface{}{ifCond},
		},
	}

	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})
	result, err := tr.TransformPipeline(context.Background(), pipelineComponent("P1", forEach))
	require.NoError(t, err)

	loop := activityAt(t, result.Document, 0)
	branch := loop["typeProperties"].(map[string]interface{})["activities"].([]interface{})[0].(map[string]interface{})
	branchTp := branch["typeProperties"].(map[string]interface{})

	deep := branchTp["ifTrueActivities"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, deep, "inputs")
	assert.NotContains(t, deep, "outputs")
	deepTp := deep["typeProperties"].(map[string]interface{})
	assert.Contains(t, deepTp["sink"].(map[string]interface{}), "datasetSettings")

	// The false branch was absent in the source and stays absent.
	assert.NotContains(t, branchTp, "ifFalseActivities")
	assert.Equal(t, 3, result.Stats.ActivitiesProcessed)
}

func TestTransformSwitchCases(t *testing.T) {
	sw := map[string]interface{}{
		"name": "Route",
		"type": "Switch",
		"typeProperties": map[string]interface{}{
			"on": map[string]interface{}{"value": "@pipeline().parameters.kind", "type": "Expression"},
			"cases": []interface{}{
				map[string]interface{}{
					"value":      "parquet",
					"activities": []interface{}{copyActivity("CopyParquet")},
				},
			},
			"defaultActivities": []interface{}{copyActivity("CopyDefault")},
		},
	}

	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})
	result, err := tr.TransformPipeline(context.Background(), pipelineComponent("P1", sw))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Stats.CopyRewritten)

	route := activityAt(t, result.Document, 0)
	tp := route["typeProperties"].(map[string]interface{})
	caseCopy := tp["cases"].([]interface{})[0].(map[string]interface{})["activities"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, caseCopy, "inputs")
	defCopy := tp["defaultActivities"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, defCopy, "outputs")
}

func TestTransformMultiDatasetCopyIsSkipped(t *testing.T) {
	act := copyActivity("TwoInputs")
	act["inputs"] = []interface{}{
		map[string]interface{}{"referenceName": "AzureSqlTable1"},
		map[string]interface{}{"referenceName": "Parquet1"},
	}

	sibling := copyActivity("HealthySibling")

	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})
	result, err := tr.TransformPipeline(context.Background(), pipelineComponent("P1", act, sibling))
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "TwoInputs", result.Errors[0].Activity)

	// The unsupported activity is kept untransformed.
	skipped := activityAt(t, result.Document, 0)
	assert.Contains(t, skipped, "inputs")

	// Siblings still transform.
	healthy := activityAt(t, result.Document, 1)
	assert.NotContains(t, healthy, "inputs")
	assert.Equal(t, 1, result.Stats.CopyRewritten)
}

func TestTransformUnresolvedDatasetFailsPipeline(t *testing.T) {
	act := copyActivity("CopyBroken")
	act["outputs"] = []interface{}{
		map[string]interface{}{"referenceName": "NoSuchDataset"},
	}

	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})
	_, err := tr.TransformPipeline(context.Background(), pipelineComponent("P1", act))

	var refErr *dataset.UnresolvedReferenceError
	require.ErrorAs(t, err, &refErr)
	assert.Contains(t, err.Error(), "P1")
	assert.Contains(t, err.Error(), "CopyBroken")
	assert.Contains(t, err.Error(), "NoSuchDataset")
}

func TestTransformPassesThroughOtherActivities(t *testing.T) {
	web := map[string]interface{}{
		"name": "CallAPI",
		"type": "WebActivity",
		"typeProperties": map[string]interface{}{
			"url":    "https://example.com",
			"method": "GET",
		},
		"dependsOn": []interface{}{
			map[string]interface{}{"activity": "Loop", "dependencyConditions": []interface{}{"Succeeded"}},
		},
	}

	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})
	result, err := tr.TransformPipeline(context.Background(), pipelineComponent("P1", web))
	require.NoError(t, err)

	got := activityAt(t, result.Document, 0)
	assert.Equal(t, web, got, "unknown activity types pass through unchanged")
}

// =============================================================================
// EXECUTE PIPELINE
// =============================================================================

type stubClient struct {
	items map[string]string // name -> id
}

func (s *stubClient) GetItemByName(_ context.Context, _, _, name, _ string) (*fabric.Item, error) {
	if id, ok := s.items[name]; ok {
		return &fabric.Item{ID: id, DisplayName: name, Type: fabric.ItemTypeDataPipeline}, nil
	}
	return nil, nil
}

func (s *stubClient) GetItemByID(_ context.Context, _, id, _ string) (*fabric.Item, error) {
	for _, known := range s.items {
		if known == id {
			return &fabric.Item{ID: id}, nil
		}
	}
	return nil, nil
}

func executePipelineActivity(target string) map[string]interface{} {
	return map[string]interface{}{
		"name": "RunChild",
		"type": "ExecutePipeline",
		"typeProperties": map[string]interface{}{
			"pipeline":         map[string]interface{}{"referenceName": target, "type": "PipelineReference"},
			"waitOnCompletion": true,
		},
	}
}

func TestExecutePipelineResolved(t *testing.T) {
	resolver := fabric.NewResolver(&stubClient{items: map[string]string{"Child": "item-123"}})
	tr := NewTransformer(testIndex(t), resolver, nil, Options{WorkspaceID: "ws1", Token: "tok"})

	result, err := tr.TransformPipeline(context.Background(), pipelineComponent("Parent", executePipelineActivity("Child")))
	require.NoError(t, err)

	tp := activityAt(t, result.Document, 0)["typeProperties"].(map[string]interface{})
	assert.Equal(t, "item-123", tp["pipelineId"])
	assert.NotContains(t, tp, DeferredReferenceKey)
	assert.Equal(t, 1, result.Stats.PipelineRefsResolved)
}

func TestExecutePipelineMissingTargetIsDeferred(t *testing.T) {
	resolver := fabric.NewResolver(&stubClient{items: map[string]string{}})
	tr := NewTransformer(testIndex(t), resolver, nil, Options{WorkspaceID: "ws1"})

	result, err := tr.TransformPipeline(context.Background(), pipelineComponent("Parent", executePipelineActivity("Ghost")))
	require.NoError(t, err, "a missing dependency must not abort the pipeline")

	tp := activityAt(t, result.Document, 0)["typeProperties"].(map[string]interface{})
	assert.Equal(t, "Ghost", tp[DeferredReferenceKey])
	assert.Equal(t, 1, result.Stats.PipelineRefsDeferred)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "Ghost")
}

func TestExecutePipelineOffline(t *testing.T) {
	tr := NewTransformer(testIndex(t), nil, nil, Options{Offline: true})

	result, err := tr.TransformPipeline(context.Background(), pipelineComponent("Parent", executePipelineActivity("Child")))
	require.NoError(t, err)

	tp := activityAt(t, result.Document, 0)["typeProperties"].(map[string]interface{})
	assert.Equal(t, "Child", tp[DeferredReferenceKey])
	assert.Equal(t, 1, result.Stats.PipelineRefsDeferred)
}

func TestTransformRewritesGlobalParameterExpressions(t *testing.T) {
	setVar := map[string]interface{}{
		"name": "SetEnv",
		"type": "SetVariable",
		"typeProperties": map[string]interface{}{
			"variableName": "env",
			"value":        map[string]interface{}{"value": "@pipeline().globalParameters.environment", "type": "Expression"},
		},
	}

	rewriter := params.NewRewriterFromRefs([]params.ParameterReference{{Name: "environment", Type: params.TypeString}})
	tr := NewTransformer(testIndex(t), nil, rewriter, Options{Offline: true})

	result, err := tr.TransformPipeline(context.Background(), pipelineComponent("P1", setVar))
	require.NoError(t, err)

	tp := activityAt(t, result.Document, 0)["typeProperties"].(map[string]interface{})
	value := tp["value"].(map[string]interface{})
	assert.Equal(t, "@pipeline().libraryVariables.environment", value["value"])
	assert.Equal(t, 1, result.Stats.ExpressionRewrites)
}
