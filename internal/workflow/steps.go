package workflow

import "github.com/aadk-dev/aadk/internal/model"

// StepKind tags the pipeline step variants. The values double as the
// parent's progress phase labels.
type StepKind string

const (
	StepProjectCreate  StepKind = "project.create"
	StepProjectOpen    StepKind = "project.open"
	StepVerify         StepKind = "toolchain.verify"
	StepBuild          StepKind = "build.run"
	StepInstall        StepKind = "targets.install"
	StepLaunch         StepKind = "targets.launch"
	StepSupportBundle  StepKind = "observe.support_bundle"
	StepEvidenceBundle StepKind = "observe.evidence_bundle"
)

// Step is one pipeline entry. Explicit reports whether the caller demanded
// the step (missing inputs then fail the pipeline) or it was inferred from
// the provided inputs (missing inputs log a warning and skip).
type Step struct {
	Kind     StepKind
	Explicit bool
}

// plan resolves the ordered step list for a request. With explicit options
// the flags decide; otherwise steps are inferred from which inputs the
// caller supplied.
func plan(req *model.RunPipelineRequest) []Step {
	explicit := req.Options != nil

	want := func(kind StepKind, explicitFlag, inferred bool) (Step, bool) {
		on := inferred
		if explicit {
			on = explicitFlag
		}
		return Step{Kind: kind, Explicit: explicit && explicitFlag}, on
	}

	var opts model.PipelineOptions
	if req.Options != nil {
		opts = *req.Options
	}

	candidates := []struct {
		step Step
		on   bool
	}{}
	add := func(s Step, on bool) {
		candidates = append(candidates, struct {
			step Step
			on   bool
		}{s, on})
	}

	add(want(StepProjectCreate, opts.CreateProject, req.TemplateID != ""))
	add(want(StepProjectOpen, opts.OpenProject, req.ProjectID == "" && req.ProjectPath != ""))
	add(want(StepVerify, opts.VerifyToolchain, req.ToolchainID != ""))
	add(want(StepBuild, opts.Build, req.ProjectID != "" || req.ProjectPath != ""))
	add(want(StepInstall, opts.InstallApk, req.ApkPath != ""))
	add(want(StepLaunch, opts.LaunchApp, req.ApplicationID != ""))
	add(want(StepSupportBundle, opts.ExportSupportBundle, false))
	add(want(StepEvidenceBundle, opts.ExportEvidenceBundle, false))

	var steps []Step
	for _, c := range candidates {
		if c.on {
			steps = append(steps, c.step)
		}
	}
	return steps
}
