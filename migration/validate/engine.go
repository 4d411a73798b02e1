// Package validate re-walks transformed pipelines against their source
// and checks the structural invariants the transformer must uphold. It
// accumulates findings and never fails hard: callers decide whether
// errors block deployment while warnings are only surfaced.
package validate

import (
	"fmt"
)

// Severity classifies a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one validation observation tied to an activity.
type Finding struct {
	Activity string   `json:"activity"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Report is the structured outcome of validating one pipeline.
type Report struct {
	Pipeline          string    `json:"pipeline,omitempty"`
	Errors            []Finding `json:"errors"`
	Warnings          []Finding `json:"warnings"`
	ActivitiesChecked int       `json:"activities_checked"`
}

// Passed reports whether no errors were found. Warnings do not fail.
func (r *Report) Passed() bool {
	return len(r.Errors) == 0
}

func (r *Report) addError(activity, format string, args ...interface{}) {
	r.Errors = append(r.Errors, Finding{
		Activity: activity,
		Message:  fmt.Sprintf(format, args...),
		Severity: SeverityError,
	})
}

func (r *Report) addWarning(activity, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, Finding{
		Activity: activity,
		Message:  fmt.Sprintf(format, args...),
		Severity: SeverityWarning,
	})
}

// Keys that must not survive transformation on Copy activities.
var forbiddenCopyKeys = []string{"inputs", "outputs", "_originalInputs", "_originalOutputs"}

// Validator checks transformed pipelines against their originals.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate walks the transformed and original pipeline properties in
// lock-step (the same recursive descent as the transformer) and checks,
// per Copy activity: no dataset reference arrays or legacy markers
// remain, datasetSettings are present on both sides that had references,
// and a wildcard path in the original store settings implies a concrete
// fileSystem/container in the transformed location.
func (v *Validator) Validate(transformed, original map[string]interface{}) *Report {
	report := &Report{
		Errors:   make([]Finding, 0),
		Warnings: make([]Finding, 0),
	}

	tActs, _ := transformed["activities"].([]interface{})
	oActs, _ := original["activities"].([]interface{})
	v.validateList(tActs, oActs, report)

	return report
}

// validateList pairs sibling activities by position; the transformer
// never reorders or removes activities, so a count mismatch is itself a
// finding.
func (v *Validator) validateList(transformed, original []interface{}, report *Report) {
	if len(transformed) != len(original) {
		report.addError("", "activity count mismatch: transformed %d, original %d",
			len(transformed), len(original))
	}

	for i := range transformed {
		tAct, ok := transformed[i].(map[string]interface{})
		if !ok {
			continue
		}
		var oAct map[string]interface{}
		if i < len(original) {
			oAct, _ = original[i].(map[string]interface{})
		}
		v.validateActivity(tAct, oAct, report)
	}
}

func (v *Validator) validateActivity(tAct, oAct map[string]interface{}, report *Report) {
	report.ActivitiesChecked++

	name, _ := tAct["name"].(string)
	actType, _ := tAct["type"].(string)

	if oAct != nil {
		if oName, _ := oAct["name"].(string); oName != name {
			report.addWarning(name, "activity order changed: original position holds %q", oName)
			oAct = nil
		}
	}

	switch actType {
	case "Copy":
		v.validateCopy(tAct, oAct, name, report)

	case "ForEach", "Until":
		v.validateNested(tAct, oAct, "activities", report)

	case "IfCondition":
		v.validateNested(tAct, oAct, "ifTrueActivities", report)
		v.validateNested(tAct, oAct, "ifFalseActivities", report)

	case "Switch":
		v.validateSwitch(tAct, oAct, report)
	}
}

func (v *Validator) validateNested(tAct, oAct map[string]interface{}, key string, report *Report) {
	tList := nestedActivities(tAct, key)
	oList := nestedActivities(oAct, key)
	if tList == nil && oList == nil {
		return
	}
	v.validateList(tList, oList, report)
}

func (v *Validator) validateSwitch(tAct, oAct map[string]interface{}, report *Report) {
	tCases := switchCases(tAct)
	oCases := switchCases(oAct)
	for i, tc := range tCases {
		var oc map[string]interface{}
		if i < len(oCases) {
			oc = oCases[i]
		}
		tList, _ := tc["activities"].([]interface{})
		var oList []interface{}
		if oc != nil {
			oList, _ = oc["activities"].([]interface{})
		}
		v.validateList(tList, oList, report)
	}
	v.validateNested(tAct, oAct, "defaultActivities", report)
}

// =============================================================================
// COPY ACTIVITY CHECKS
// =============================================================================

func (v *Validator) validateCopy(tAct, oAct map[string]interface{}, name string, report *Report) {
	for _, key := range forbiddenCopyKeys {
		if _, present := tAct[key]; present {
			report.addError(name, "%q must not survive transformation", key)
		}
	}

	tp, _ := tAct["typeProperties"].(map[string]interface{})

	for _, side := range []string{"source", "sink"} {
		if !originalHadReference(oAct, side) {
			continue
		}
		settings := sideDatasetSettings(tp, side)
		if settings == nil {
			report.addError(name, "%s.datasetSettings missing", side)
			continue
		}

		// Wildcard paths resolve relative to the store root: a location
		// without its fileSystem/container silently matches nothing at
		// runtime. This is the defect class this validator exists for.
		if originalHasWildcard(oAct, side) && !locationHasStore(settings) {
			report.addError(name,
				"%s store settings use a wildcard path but the transformed location carries no fileSystem/container", side)
		}
	}
}

// originalHadReference reports whether the original activity carried a
// dataset reference for the given side (inputs feed source, outputs feed
// sink).
func originalHadReference(oAct map[string]interface{}, side string) bool {
	if oAct == nil {
		return false
	}
	key := "inputs"
	if side == "sink" {
		key = "outputs"
	}
	refs, _ := oAct[key].([]interface{})
	return len(refs) > 0
}

// originalHasWildcard reports whether the original side's storeSettings
// declared a wildcard folder or file path.
func originalHasWildcard(oAct map[string]interface{}, side string) bool {
	if oAct == nil {
		return false
	}
	tp, _ := oAct["typeProperties"].(map[string]interface{})
	if tp == nil {
		return false
	}
	sideMap, _ := tp[side].(map[string]interface{})
	if sideMap == nil {
		return false
	}
	store, _ := sideMap["storeSettings"].(map[string]interface{})
	if store == nil {
		return false
	}
	for _, key := range []string{"wildcardFolderPath", "wildcardFileName"} {
		if v, present := store[key]; present && v != nil && v != "" {
			return true
		}
	}
	return false
}

func sideDatasetSettings(tp map[string]interface{}, side string) map[string]interface{} {
	if tp == nil {
		return nil
	}
	sideMap, _ := tp[side].(map[string]interface{})
	if sideMap == nil {
		return nil
	}
	settings, _ := sideMap["datasetSettings"].(map[string]interface{})
	return settings
}

// locationHasStore reports whether the settings' location carries a
// non-empty fileSystem or container.
func locationHasStore(settings map[string]interface{}) bool {
	tp, _ := settings["typeProperties"].(map[string]interface{})
	if tp == nil {
		return false
	}
	loc, _ := tp["location"].(map[string]interface{})
	if loc == nil {
		return false
	}
	for _, key := range []string{"fileSystem", "container"} {
		if s, ok := loc[key].(string); ok && s != "" {
			return true
		}
	}
	return false
}

func nestedActivities(act map[string]interface{}, key string) []interface{} {
	if act == nil {
		return nil
	}
	tp, _ := act["typeProperties"].(map[string]interface{})
	if tp == nil {
		return nil
	}
	list, _ := tp[key].([]interface{})
	return list
}

func switchCases(act map[string]interface{}) []map[string]interface{} {
	if act == nil {
		return nil
	}
	tp, _ := act["typeProperties"].(map[string]interface{})
	if tp == nil {
		return nil
	}
	raw, _ := tp["cases"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, c := range raw {
		if m, ok := c.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}
