package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// originalCopy mirrors the pre-transform shape of a Copy activity with one
// input and one output reference.
func originalCopy(name string, wildcard bool) map[string]interface{} {
	source := map[string]interface{}{"type": "ParquetSource"}
	if wildcard {
		source["storeSettings"] = map[string]interface{}{
			"type":               "AzureBlobFSReadSettings",
			"wildcardFolderPath": "landing/*",
			"wildcardFileName":   "*.parquet",
		}
	}
	return map[string]interface{}{
		"name": name,
		"type": "Copy",
		"inputs": []interface{}{
			map[string]interface{}{"referenceName": "SourceDS", "type": "DatasetReference"},
		},
		"outputs": []interface{}{
			map[string]interface{}{"referenceName": "SinkDS", "type": "DatasetReference"},
		},
		"typeProperties": map[string]interface{}{
			"source": source,
			"sink":   map[string]interface{}{"type": "ParquetSink"},
		},
	}
}

// transformedCopy mirrors the post-transform shape: references gone, each
// side carrying inline datasetSettings.
func transformedCopy(name string, withStore bool) map[string]interface{} {
	location := map[string]interface{}{"type": "AzureBlobFSLocation", "folderPath": "landing"}
	if withStore {
		location["fileSystem"] = "data"
	}
	settings := func() map[string]interface{} {
		return map[string]interface{}{
			"type": "Parquet",
			"typeProperties": map[string]interface{}{
				"location": location,
			},
		}
	}
	return map[string]interface{}{
		"name": name,
		"type": "Copy",
		"typeProperties": map[string]interface{}{
			"source": map[string]interface{}{"type": "ParquetSource", "datasetSettings": settings()},
			"sink":   map[string]interface{}{"type": "ParquetSink", "datasetSettings": settings()},
		},
	}
}

func pipelineWith(activities ...interface{}) map[string]interface{} {
	return map[string]interface{}{"activities": activities}
}

func TestValidateCleanPipelinePasses(t *testing.T) {
	report := NewValidator().Validate(
		pipelineWith(transformedCopy("Load", true)),
		pipelineWith(originalCopy("Load", false)),
	)

	assert.True(t, report.Passed())
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, 1, report.ActivitiesChecked)
}

func TestValidateFlagsSurvivingReferenceArrays(t *testing.T) {
	bad := transformedCopy("Load", true)
	bad["inputs"] = []interface{}{map[string]interface{}{"referenceName": "SourceDS"}}
	bad["_originalOutputs"] = []interface{}{}

	report := NewValidator().Validate(
		pipelineWith(bad),
		pipelineWith(originalCopy("Load", false)),
	)

	assert.False(t, report.Passed())
	require.Len(t, report.Errors, 2)
	assert.Contains(t, report.Errors[0].Message, `"inputs"`)
	assert.Contains(t, report.Errors[1].Message, `"_originalOutputs"`)
	assert.Equal(t, "Load", report.Errors[0].Activity)
}

func TestValidateFlagsMissingDatasetSettings(t *testing.T) {
	bad := transformedCopy("Load", true)
	tp := bad["typeProperties"].(map[string]interface{})
	sink := tp["sink"].(map[string]interface{})
	delete(sink, "datasetSettings")

	report := NewValidator().Validate(
		pipelineWith(bad),
		pipelineWith(originalCopy("Load", false)),
	)

	require.Len(t, report.Errors, 1)
	assert.Equal(t, SeverityError, report.Errors[0].Severity)
	assert.Contains(t, report.Errors[0].Message, "sink.datasetSettings missing")
}

func TestValidateSkipsSidesWithoutOriginalReference(t *testing.T) {
	// A Lookup-style original with no outputs: the sink never had a
	// reference, so its settings are not required.
	orig := originalCopy("Load", false)
	delete(orig, "outputs")

	trans := transformedCopy("Load", true)
	tp := trans["typeProperties"].(map[string]interface{})
	delete(tp["sink"].(map[string]interface{}), "datasetSettings")

	report := NewValidator().Validate(pipelineWith(trans), pipelineWith(orig))
	assert.True(t, report.Passed())
}

func TestValidateWildcardRequiresStore(t *testing.T) {
	report := NewValidator().Validate(
		pipelineWith(transformedCopy("Load", false)),
		pipelineWith(originalCopy("Load", true)),
	)

	assert.False(t, report.Passed())
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Message, "wildcard")
	assert.Contains(t, report.Errors[0].Message, "source")
}

func TestValidateWildcardSatisfiedByContainer(t *testing.T) {
	trans := transformedCopy("Load", false)
	tp := trans["typeProperties"].(map[string]interface{})
	settings := tp["source"].(map[string]interface{})["datasetSettings"].(map[string]interface{})
	loc := settings["typeProperties"].(map[string]interface{})["location"].(map[string]interface{})
	loc["container"] = "raw"

	report := NewValidator().Validate(
		pipelineWith(trans),
		pipelineWith(originalCopy("Load", true)),
	)
	assert.True(t, report.Passed(), "container satisfies the store requirement like fileSystem does")
}

func TestValidateEmptyWildcardValueIgnored(t *testing.T) {
	orig := originalCopy("Load", false)
	tp := orig["typeProperties"].(map[string]interface{})
	tp["source"].(map[string]interface{})["storeSettings"] = map[string]interface{}{
		"type":               "AzureBlobFSReadSettings",
		"wildcardFolderPath": "",
	}

	report := NewValidator().Validate(
		pipelineWith(transformedCopy("Load", false)),
		pipelineWith(orig),
	)
	assert.True(t, report.Passed(), "an empty wildcard value is not a wildcard")
}

func TestValidateActivityCountMismatch(t *testing.T) {
	report := NewValidator().Validate(
		pipelineWith(transformedCopy("Load", true)),
		pipelineWith(originalCopy("Load", false), originalCopy("Extra", false)),
	)

	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0].Message, "activity count mismatch")
}

func TestValidateOrderChangeWarnsAndSkipsPairing(t *testing.T) {
	// Names diverge: the transformed activity cannot be paired with the
	// original at its position, so the wildcard check has no original to
	// consult and only the order warning is raised.
	report := NewValidator().Validate(
		pipelineWith(transformedCopy("Renamed", false)),
		pipelineWith(originalCopy("Load", true)),
	)

	assert.True(t, report.Passed())
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, SeverityWarning, report.Warnings[0].Severity)
	assert.Contains(t, report.Warnings[0].Message, `"Load"`)
}

func TestValidateDescendsNestedContainers(t *testing.T) {
	wrap := func(act map[string]interface{}, innerKey, outerType string) map[string]interface{} {
		return map[string]interface{}{
			"name": "Outer",
			"type": outerType,
			"typeProperties": map[string]interface{}{
				innerKey: []interface{}{act},
			},
		}
	}

	trans := wrap(wrap(transformedCopy("Leaf", false), "ifTrueActivities", "IfCondition"), "activities", "ForEach")
	orig := wrap(wrap(originalCopy("Leaf", true), "ifTrueActivities", "IfCondition"), "activities", "ForEach")

	report := NewValidator().Validate(pipelineWith(trans), pipelineWith(orig))

	assert.False(t, report.Passed())
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "Leaf", report.Errors[0].Activity)
	assert.Equal(t, 3, report.ActivitiesChecked, "ForEach, IfCondition and the leaf Copy are each checked")
}

func TestValidateDescendsSwitchCases(t *testing.T) {
	switchAct := func(caseAct, defaultAct map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"name": "Route",
			"type": "Switch",
			"typeProperties": map[string]interface{}{
				"cases": []interface{}{
					map[string]interface{}{
						"value":      "a",
						"activities": []interface{}{caseAct},
					},
				},
				"defaultActivities": []interface{}{defaultAct},
			},
		}
	}

	trans := switchAct(transformedCopy("CaseCopy", true), transformedCopy("DefaultCopy", false))
	orig := switchAct(originalCopy("CaseCopy", false), originalCopy("DefaultCopy", true))

	report := NewValidator().Validate(pipelineWith(trans), pipelineWith(orig))

	require.Len(t, report.Errors, 1)
	assert.Equal(t, "DefaultCopy", report.Errors[0].Activity)
}

func TestValidateNeverPanicsOnMalformedInput(t *testing.T) {
	report := NewValidator().Validate(
		pipelineWith("not an activity", map[string]interface{}{"type": "Copy"}),
		pipelineWith(nil, nil),
	)
	assert.NotNil(t, report)
}

func TestValidateIsRepeatable(t *testing.T) {
	trans := pipelineWith(transformedCopy("Load", false))
	orig := pipelineWith(originalCopy("Load", true))

	v := NewValidator()
	first := v.Validate(trans, orig)
	second := v.Validate(trans, orig)

	assert.Equal(t, first.Errors, second.Errors, "validation carries no state between runs")
	assert.Equal(t, first.Warnings, second.Warnings)
}
