package model

import "gopkg.in/yaml.v3"

// RunbookImport is the document shape accepted by the runbook import
// endpoint: a Runbook plus its Steps and Triggers. JSON is a subset of
// YAML's grammar, so one decoder serves both document formats.
type RunbookImport struct {
	Name                   string              `yaml:"name"`
	Description            string              `yaml:"description"`
	Category               string              `yaml:"category"`
	Tags                   []string            `yaml:"tags"`
	Enabled                bool                `yaml:"enabled"`
	AutoExecute            bool                `yaml:"auto_execute"`
	ApprovalRequired       bool                `yaml:"approval_required"`
	ApprovalRoles          []string            `yaml:"approval_roles"`
	ApprovalTimeoutMinutes int                 `yaml:"approval_timeout_minutes"`
	MaxExecutionsPerHour   int                 `yaml:"max_executions_per_hour"`
	CooldownMinutes        int                 `yaml:"cooldown_minutes"`
	DefaultServerID        string              `yaml:"default_server_id"`
	TargetFromAlert        bool                `yaml:"target_from_alert"`
	TargetAlertLabel       string              `yaml:"target_alert_label"`
	Steps                  []StepImport        `yaml:"steps"`
	Triggers               []TriggerImport     `yaml:"triggers"`
}

// StepImport is the import-document shape of a RunbookStep.
type StepImport struct {
	Name                   string            `yaml:"name"`
	Description            string            `yaml:"description"`
	Type                   string            `yaml:"type"`
	TargetOS               string            `yaml:"target_os"`
	CommandLinux           string            `yaml:"command_linux"`
	CommandWindows         string            `yaml:"command_windows"`
	RequiresElevation      bool              `yaml:"requires_elevation"`
	TimeoutSeconds         int               `yaml:"timeout_seconds"`
	ExpectedExitCode       int               `yaml:"expected_exit_code"`
	ExpectedOutputPattern  string            `yaml:"expected_output_pattern"`
	RetryCount             int               `yaml:"retry_count"`
	RetryDelaySeconds      int               `yaml:"retry_delay_seconds"`
	ContinueOnFail         bool              `yaml:"continue_on_fail"`
	RollbackCommandLinux   string            `yaml:"rollback_command_linux"`
	RollbackCommandWindows string            `yaml:"rollback_command_windows"`
	OutputVariable         string            `yaml:"output_variable"`
	OutputExtractPattern   string            `yaml:"output_extract_pattern"`
	RunIfVariable          string            `yaml:"run_if_variable"`
	RunIfValue             string            `yaml:"run_if_value"`
	Environment            map[string]string `yaml:"environment"`
	WorkingDirectory       string            `yaml:"working_directory"`

	APIMethod              string            `yaml:"api_method"`
	APIEndpoint            string            `yaml:"api_endpoint"`
	APIHeaders             map[string]string `yaml:"api_headers"`
	APIQueryParams         map[string]string `yaml:"api_query_params"`
	APIBody                string            `yaml:"api_body"`
	APIBodyType            string            `yaml:"api_body_type"`
	APIExpectedStatusCodes []int             `yaml:"api_expected_status_codes"`
	APIResponseExtract     map[string]string `yaml:"api_response_extract"`
	APICredentialProfileID string            `yaml:"api_credential_profile_id"`
}

// TriggerImport is the import-document shape of a RunbookTrigger.
type TriggerImport struct {
	Enabled          bool              `yaml:"enabled"`
	Priority         int               `yaml:"priority"`
	AlertNamePattern string            `yaml:"alert_name_pattern"`
	SeverityPattern  string            `yaml:"severity_pattern"`
	InstancePattern  string            `yaml:"instance_pattern"`
	JobPattern       string            `yaml:"job_pattern"`
	LabelMatchers    map[string]string `yaml:"label_matchers"`
	CooldownMinutes  int               `yaml:"cooldown_minutes"`
}

// DecodeRunbookImport parses a YAML or JSON runbook import document.
func DecodeRunbookImport(data []byte) (RunbookImport, error) {
	var doc RunbookImport
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return RunbookImport{}, err
	}
	return doc, nil
}

// ToEntities converts a decoded import document into the entity structs
// used by the store, with StepOrder assigned by position (1-based).
func (doc RunbookImport) ToEntities(runbookID string) (Runbook, []RunbookStep, []RunbookTrigger) {
	rb := Runbook{
		ID:                     runbookID,
		Name:                   doc.Name,
		Description:            doc.Description,
		Category:               doc.Category,
		Tags:                   toSet(doc.Tags),
		Enabled:                doc.Enabled,
		AutoExecute:            doc.AutoExecute,
		ApprovalRequired:       doc.ApprovalRequired,
		ApprovalRoles:          toSet(doc.ApprovalRoles),
		ApprovalTimeoutMinutes: doc.ApprovalTimeoutMinutes,
		MaxExecutionsPerHour:   doc.MaxExecutionsPerHour,
		CooldownMinutes:        doc.CooldownMinutes,
		DefaultServerID:        doc.DefaultServerID,
		TargetFromAlert:        doc.TargetFromAlert,
		TargetAlertLabel:       doc.TargetAlertLabel,
		Version:                1,
	}
	// auto_execute implies approval_required=false unless a trigger
	// overrides it downstream.
	if rb.AutoExecute {
		rb.ApprovalRequired = false
	}

	steps := make([]RunbookStep, 0, len(doc.Steps))
	for i, s := range doc.Steps {
		codes := make(map[int]struct{}, len(s.APIExpectedStatusCodes))
		for _, c := range s.APIExpectedStatusCodes {
			codes[c] = struct{}{}
		}
		steps = append(steps, RunbookStep{
			RunbookID:              runbookID,
			StepOrder:              i + 1,
			Name:                   s.Name,
			Description:            s.Description,
			StepType:               s.Type,
			TargetOS:               s.TargetOS,
			CommandLinux:           s.CommandLinux,
			CommandWindows:         s.CommandWindows,
			RequiresElevation:      s.RequiresElevation,
			TimeoutSeconds:         s.TimeoutSeconds,
			ExpectedExitCode:       s.ExpectedExitCode,
			ExpectedOutputPattern:  s.ExpectedOutputPattern,
			RetryCount:             s.RetryCount,
			RetryDelaySeconds:      s.RetryDelaySeconds,
			ContinueOnFail:         s.ContinueOnFail,
			RollbackCommandLinux:   s.RollbackCommandLinux,
			RollbackCommandWindows: s.RollbackCommandWindows,
			OutputVariable:         s.OutputVariable,
			OutputExtractPattern:   s.OutputExtractPattern,
			RunIfVariable:          s.RunIfVariable,
			RunIfValue:             s.RunIfValue,
			Environment:            s.Environment,
			WorkingDirectory:       s.WorkingDirectory,
			APIMethod:              s.APIMethod,
			APIEndpoint:            s.APIEndpoint,
			APIHeaders:             s.APIHeaders,
			APIQueryParams:         s.APIQueryParams,
			APIBody:                s.APIBody,
			APIBodyType:            s.APIBodyType,
			APIExpectedStatusCodes: codes,
			APIResponseExtract:     s.APIResponseExtract,
			APICredentialProfileID: s.APICredentialProfileID,
		})
	}

	triggers := make([]RunbookTrigger, 0, len(doc.Triggers))
	for _, tr := range doc.Triggers {
		triggers = append(triggers, RunbookTrigger{
			RunbookID:        runbookID,
			Enabled:          tr.Enabled,
			Priority:         tr.Priority,
			AlertNamePattern: tr.AlertNamePattern,
			SeverityPattern:  tr.SeverityPattern,
			InstancePattern:  tr.InstancePattern,
			JobPattern:       tr.JobPattern,
			LabelMatchers:    tr.LabelMatchers,
			CooldownMinutes:  tr.CooldownMinutes,
		})
	}

	return rb, steps, triggers
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
