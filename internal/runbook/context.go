package runbook

import (
	"regexp"
	"strconv"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

var nonIdentifierRE = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// safeStepName replaces every non-identifier character with '_' so a step's
// name can be used as a template path segment.
func safeStepName(name string) string {
	return nonIdentifierRE.ReplaceAllString(name, "_")
}

// buildContext assembles the flat, dotted-path variable map rendering draws
// from: server.*, runbook.*, alert.* (labels also flattened to top-level
// "labels"), execution.*, now, and vars.* for user-supplied variables.
// Captured step outputs and output_variable values are merged in by the
// caller as the run progresses.
func buildContext(rb model.Runbook, exec model.RunbookExecution, cred model.ServerCredential, alert *model.Alert) map[string]string {
	vars := map[string]string{
		"server.hostname":    cred.Hostname,
		"server.os_type":     cred.OSType,
		"server.environment": "",
		"server.username":    cred.Username,
		"server.port":        strconv.Itoa(cred.Port),

		"runbook.name":     rb.Name,
		"runbook.category": rb.Category,

		"execution.id":       exec.ID,
		"execution.mode":     exec.ExecutionMode,
		"execution.dry_run":  strconv.FormatBool(exec.DryRun),

		"now": time.Now().UTC().Format(time.RFC3339),
	}

	if alert != nil {
		vars["alert.id"] = alert.ID
		vars["alert.name"] = alert.AlertName
		vars["alert.severity"] = alert.Severity
		vars["alert.status"] = alert.Status
		vars["alert.instance"] = alert.Instance
		vars["alert.job"] = alert.Job
		vars["alert.timestamp"] = alert.Timestamp.UTC().Format(time.RFC3339)
		for k, v := range alert.Labels {
			vars["alert.labels."+k] = v
			vars["labels."+k] = v
		}
		for k, v := range alert.Annotations {
			vars["alert.annotations."+k] = v
		}
	}

	for k, v := range exec.Variables {
		vars["vars."+k] = v
	}

	return vars
}

// recordStepOutcome merges a step's own result and any captured
// output_variable into vars, the way subsequent steps' templates see it.
func recordStepOutcome(vars map[string]string, step model.RunbookStep, result stepResult) {
	prefix := "steps." + safeStepName(step.Name) + "."
	vars[prefix+"stdout"] = result.Stdout
	vars[prefix+"stderr"] = result.Stderr
	vars[prefix+"exit_code"] = strconv.Itoa(result.ExitCode)
	vars[prefix+"success"] = strconv.FormatBool(result.Success)

	if step.OutputVariable == "" {
		return
	}
	vars[step.OutputVariable] = extractOutputVariable(step, result)
}

// extractOutputVariable captures the step's output: a regex's first
// capture group if present, else the whole match; with no pattern, the
// trimmed full body.
func extractOutputVariable(step model.RunbookStep, result stepResult) string {
	source := result.Stdout
	if step.StepType == model.StepTypeAPI {
		source = result.Stdout // HTTP executor puts the response body in Stdout
	}
	if step.OutputExtractPattern == "" {
		return trimNewlines(source)
	}
	re, err := regexp.Compile(step.OutputExtractPattern)
	if err != nil {
		return trimNewlines(source)
	}
	m := re.FindStringSubmatch(source)
	switch {
	case len(m) > 1:
		return m[1]
	case len(m) == 1:
		return m[0]
	default:
		return ""
	}
}

func trimNewlines(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// runIfMatches evaluates a conditional gate: equal as an exact string, or
// as a regex, against the looked-up variable value. A missing variable
// means skip (handled by the caller before calling this).
func runIfMatches(value, runIfValue string) bool {
	if value == runIfValue {
		return true
	}
	re, err := regexp.Compile(runIfValue)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
