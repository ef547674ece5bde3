package runbook

import (
	"context"
	"fmt"

	"github.com/opsforge/remediation/internal/executor"
	"github.com/opsforge/remediation/internal/model"
	"github.com/opsforge/remediation/internal/template"
)

// renderStep renders s against vars, wrapping template's fail-fast
// UndefinedVariableError so callers can tell a template failure apart from
// a transport error.
func renderStep(s string, vars map[string]string) (string, error) {
	if s == "" {
		return "", nil
	}
	out, err := template.Render(s, vars)
	if err != nil {
		return "", fmt.Errorf("template render: %w", err)
	}
	return out, nil
}

// buildCommand selects and renders a step's command/API config. A nil, nil
// return means the step has nothing to run (an empty command slot for the
// target OS) and should be skipped.
func (e *Engine) buildCommand(ctx context.Context, step model.RunbookStep, cred model.ServerCredential, vars map[string]string) (*executor.Command, error) {
	if step.StepType == model.StepTypeAPI {
		return e.buildAPICommand(ctx, step, vars)
	}
	return buildShellCommandFor(step, cred, vars)
}

func buildShellCommandFor(step model.RunbookStep, cred model.ServerCredential, vars map[string]string) (*executor.Command, error) {
	raw := step.CommandLinux
	if cred.OSType == model.TargetOSWindows {
		raw = step.CommandWindows
	}
	if raw == "" {
		return nil, nil
	}
	rendered, err := renderStep(raw, vars)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(step.Environment))
	for k, v := range step.Environment {
		rv, err := renderStep(v, vars)
		if err != nil {
			return nil, err
		}
		env[k] = rv
	}
	workdir, err := renderStep(step.WorkingDirectory, vars)
	if err != nil {
		return nil, err
	}

	return &executor.Command{
		Shell:             rendered,
		RequiresElevation: step.RequiresElevation,
		WorkingDirectory:  workdir,
		Environment:       env,
		ExpectedExitCode:  step.ExpectedExitCode,
		ExpectedOutputRE:  step.ExpectedOutputPattern,
	}, nil
}

func (e *Engine) buildAPICommand(ctx context.Context, step model.RunbookStep, vars map[string]string) (*executor.Command, error) {
	if step.APIEndpoint == "" {
		return nil, nil
	}
	endpoint, err := renderStep(step.APIEndpoint, vars)
	if err != nil {
		return nil, err
	}
	body, err := renderStep(step.APIBody, vars)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(step.APIHeaders))
	for k, v := range step.APIHeaders {
		rv, err := renderStep(v, vars)
		if err != nil {
			return nil, err
		}
		headers[k] = rv
	}
	query := make(map[string]string, len(step.APIQueryParams))
	for k, v := range step.APIQueryParams {
		rv, err := renderStep(v, vars)
		if err != nil {
			return nil, err
		}
		query[k] = rv
	}

	cmd := &executor.Command{
		APIMethod:              step.APIMethod,
		APIURL:                 endpoint,
		APIHeaders:             headers,
		APIQueryParams:         query,
		APIBody:                body,
		APIBodyType:            step.APIBodyType,
		APIExpectedStatusCodes: step.APIExpectedStatusCodes,
		APIResponseExtract:     step.APIResponseExtract,
		ExpectedOutputRE:       step.ExpectedOutputPattern,
	}

	if step.APICredentialProfileID != "" {
		secret, err := e.factory.DecryptProfileSecret(ctx, step.APICredentialProfileID)
		if err != nil {
			return nil, fmt.Errorf("api credential: %w", err)
		}
		if secret != "" {
			// The step schema carries no explicit auth-mode field; a
			// profile-backed secret is applied as a bearer token, the
			// common case for the API integrations this core targets.
			cmd.APIAuth = &executor.APIAuth{Mode: "bearer", Value: secret}
		}
	}

	return cmd, nil
}
