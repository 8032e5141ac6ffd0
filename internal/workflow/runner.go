// Package workflow executes user-declared pipelines: it composes step jobs
// across the peer services, correlates them under one run identity, waits on
// their event streams, reports progress on a parent workflow.pipeline job,
// and upserts the run record.
package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/aadk-dev/aadk/internal/model"
	"github.com/aadk-dev/aadk/internal/observe"
	"github.com/aadk-dev/aadk/sdk/go/aadk"
)

// cancelPollInterval is how often the runner checks the parent job's cancel
// latch while it waits on a child stream.
const cancelPollInterval = time.Second

// Runner executes pipelines. It holds no locks while awaiting child
// streams; all job state lives in the job service.
type Runner struct {
	jobs   *aadk.Client
	peers  Gateway
	runs   *observe.RunStore
	logger *slog.Logger
}

// NewRunner wires the pipeline executor.
func NewRunner(jobs *aadk.Client, peers Gateway, runs *observe.RunStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{jobs: jobs, peers: peers, runs: runs, logger: logger}
}

// stepError aborts the pipeline. Cancelled distinguishes a parent
// cancellation from a step failure.
type stepError struct {
	message   string
	technical string
	cancelled bool
}

func (e *stepError) Error() string { return e.message + ": " + e.technical }

// pipeline is the mutable state of one execution.
type pipeline struct {
	r *Runner

	parentJobID   string
	runID         string
	correlationID string
	req           model.RunPipelineRequest
	startedAt     int64

	projectID string
	apkPath   string
	jobIDs    []string
	outputs   []model.KeyValue
	summary   []model.KeyValue
}

// Execute runs the whole pipeline against the reserved parent job. It
// blocks until the pipeline finishes; callers run it in a goroutine.
func (r *Runner) Execute(ctx context.Context, parentJobID, runID, correlationID string, req model.RunPipelineRequest) {
	p := &pipeline{
		r:             r,
		parentJobID:   parentJobID,
		runID:         runID,
		correlationID: correlationID,
		req:           req,
		startedAt:     time.Now().UnixMilli(),
		projectID:     req.ProjectID,
		apkPath:       req.ApkPath,
		outputs: []model.KeyValue{
			{Key: "run_id", Value: runID},
			{Key: "correlation_id", Value: correlationID},
		},
	}

	p.publishLog(ctx, fmt.Sprintf("pipeline run_id=%s correlation_id=%s\n", runID, correlationID))
	p.publishState(ctx, aadk.JobStateRunning)
	p.upsertRun(ctx, model.RunResultRunning, false)

	steps := plan(&req)
	if len(steps) == 0 {
		p.publishLog(ctx, "WARN: no pipeline steps resolved from request\n")
	}

	for i, step := range steps {
		if err := p.executeStep(ctx, step, i+1, len(steps)); err != nil {
			if err.cancelled {
				p.finishCancelled(ctx, err)
			} else {
				p.finishFailed(ctx, err)
			}
			return
		}
	}

	p.summary = append(p.summary, model.KeyValue{Key: "pipeline", Value: "complete"})
	p.upsertRun(ctx, model.RunResultSuccess, true)
	p.publishCompleted(ctx, "Workflow pipeline completed", p.outputs)
	r.logger.Info("pipeline completed", "run_id", runID, "job_id", parentJobID, "steps", len(steps))
}

func (p *pipeline) executeStep(ctx context.Context, step Step, index, total int) *stepError {
	metrics := []model.KeyValue{
		{Key: "pipeline_step", Value: string(step.Kind)},
		{Key: "step_index", Value: strconv.Itoa(index)},
		{Key: "total_steps", Value: strconv.Itoa(total)},
		{Key: "run_id", Value: p.runID},
		{Key: "correlation_id", Value: p.correlationID},
	}
	metrics = append(metrics, p.stepMetrics(step.Kind)...)

	percent := uint32(index * 100 / total)
	p.publishProgress(ctx, percent, string(step.Kind), metrics)

	// Missing inputs fail an explicitly requested step and skip an inferred
	// one.
	if missing := p.missingInputs(step.Kind); missing != "" {
		if step.Explicit {
			return &stepError{message: "pipeline failed", technical: missing}
		}
		p.publishLog(ctx, "WARN: "+missing+", skipping\n")
		return nil
	}

	switch step.Kind {
	case StepProjectCreate:
		return p.runCreateProject(ctx)
	case StepProjectOpen:
		return p.runOpenProject(ctx)
	case StepVerify:
		return p.runVerifyToolchain(ctx)
	case StepBuild:
		return p.runBuild(ctx)
	case StepInstall:
		return p.runInstall(ctx)
	case StepLaunch:
		return p.runLaunch(ctx)
	case StepSupportBundle:
		return p.runBundle(ctx, StepSupportBundle)
	case StepEvidenceBundle:
		return p.runBundle(ctx, StepEvidenceBundle)
	}
	return &stepError{message: "pipeline failed", technical: "unknown step " + string(step.Kind)}
}

// stepMetrics adds the step-specific identifiers to the parent progress
// event.
func (p *pipeline) stepMetrics(kind StepKind) []model.KeyValue {
	var extra []model.KeyValue
	add := func(key, value string) {
		if value != "" {
			extra = append(extra, model.KeyValue{Key: key, Value: value})
		}
	}
	switch kind {
	case StepProjectCreate:
		add("template_id", p.req.TemplateID)
		add("project_path", p.req.ProjectPath)
	case StepProjectOpen:
		add("project_path", p.req.ProjectPath)
	case StepVerify:
		add("toolchain_id", p.req.ToolchainID)
	case StepBuild:
		add("project_ref", p.projectRef())
	case StepInstall:
		add("target_id", p.req.TargetID)
		add("apk_path", p.apkPath)
	case StepLaunch:
		add("target_id", p.req.TargetID)
		add("application_id", p.req.ApplicationID)
	}
	return extra
}

// missingInputs names the unmet precondition of a step, or "".
func (p *pipeline) missingInputs(kind StepKind) string {
	switch kind {
	case StepProjectCreate:
		if p.req.TemplateID == "" || p.req.ProjectPath == "" {
			return "project.create requires template_id and project_path"
		}
	case StepProjectOpen:
		if p.req.ProjectPath == "" {
			return "project.open requires project_path"
		}
	case StepVerify:
		if p.req.ToolchainID == "" {
			return "toolchain.verify requires toolchain_id"
		}
	case StepBuild:
		if p.projectRef() == "" {
			return "build.run requires project_id or project_path"
		}
	case StepInstall:
		if p.req.TargetID == "" || p.apkPath == "" {
			return "targets.install requires target_id and apk_path"
		}
	case StepLaunch:
		if p.req.TargetID == "" || p.req.ApplicationID == "" {
			return "targets.launch requires target_id and application_id"
		}
	}
	return ""
}

func (p *pipeline) projectRef() string {
	if p.projectID != "" {
		return p.projectID
	}
	return p.req.ProjectPath
}

func (p *pipeline) ident() identity {
	return identity{CorrelationID: p.correlationID, RunID: p.runID}
}

func (p *pipeline) runCreateProject(ctx context.Context) *stepError {
	name := p.req.ProjectName
	if name == "" {
		name = "aadk-project"
	}
	child, err := p.r.peers.CreateProject(ctx, CreateProjectInput{
		identity:       p.ident(),
		Name:           name,
		Path:           p.req.ProjectPath,
		TemplateID:     p.req.TemplateID,
		ToolchainSetID: p.req.ToolchainSetID,
	})
	if err != nil {
		return &stepError{message: "project.create failed", technical: err.Error()}
	}
	if serr := p.awaitChild(ctx, "project.create", child.JobID); serr != nil {
		return serr
	}
	if child.ProjectID != "" {
		p.projectID = child.ProjectID
		p.outputs = append(p.outputs, model.KeyValue{Key: "project_id", Value: child.ProjectID})
	}
	return nil
}

func (p *pipeline) runOpenProject(ctx context.Context) *stepError {
	child, err := p.r.peers.OpenProject(ctx, p.req.ProjectPath)
	if err != nil {
		return &stepError{message: "project.open failed", technical: err.Error()}
	}
	if serr := p.awaitChild(ctx, "project.open", child.JobID); serr != nil {
		return serr
	}
	if child.ProjectID != "" {
		p.projectID = child.ProjectID
		p.outputs = append(p.outputs, model.KeyValue{Key: "project_id", Value: child.ProjectID})
	}
	return nil
}

func (p *pipeline) runVerifyToolchain(ctx context.Context) *stepError {
	child, err := p.r.peers.VerifyToolchain(ctx, VerifyToolchainInput{
		identity:    p.ident(),
		ToolchainID: p.req.ToolchainID,
	})
	if err != nil {
		return &stepError{message: "toolchain.verify failed", technical: err.Error()}
	}
	if serr := p.awaitChild(ctx, "toolchain.verify", child.JobID); serr != nil {
		return serr
	}
	if !child.Verified {
		return &stepError{message: "toolchain.verify failed", technical: "verification failed"}
	}
	return nil
}

func (p *pipeline) runBuild(ctx context.Context) *stepError {
	child, err := p.r.peers.RunBuild(ctx, BuildInput{
		identity:   p.ident(),
		ProjectRef: p.projectRef(),
		Variant:    p.req.BuildVariant,
		Module:     p.req.Module,
		Tasks:      p.req.Tasks,
	})
	if err != nil {
		return &stepError{message: "build.run failed", technical: err.Error()}
	}
	if child.JobID == "" {
		return &stepError{message: "build.run failed", technical: "empty job_id"}
	}
	if serr := p.awaitChild(ctx, "build.run", child.JobID); serr != nil {
		return serr
	}

	artifacts, err := p.r.peers.ListArtifacts(ctx, ArtifactQuery{
		ProjectRef: p.projectRef(),
		Variant:    p.req.BuildVariant,
		Module:     p.req.Module,
	})
	if err != nil {
		p.publishLog(ctx, "WARN: artifact listing failed: "+err.Error()+"\n")
		return nil
	}
	p.captureArtifacts(artifacts, child.JobID)
	return nil
}

// captureArtifacts records build outputs into the run summary and picks an
// APK for a later install step when the caller did not name one.
func (p *pipeline) captureArtifacts(artifacts []Artifact, buildJobID string) {
	var apk, fallback string
	for i, art := range artifacts {
		if art.Path == "" {
			continue
		}
		if fallback == "" {
			fallback = art.Path
		}
		if art.Type == "apk" && apk == "" {
			apk = art.Path
		}
		p.summary = append(p.summary, model.KeyValue{
			Key:   fmt.Sprintf("artifact.%d.%s", i, buildJobID),
			Value: art.Path,
		})
	}
	selected := apk
	if selected == "" {
		selected = fallback
	}
	if selected != "" {
		if p.apkPath == "" {
			p.apkPath = selected
		}
		p.outputs = append(p.outputs, model.KeyValue{Key: "artifact_path", Value: selected})
	}
}

func (p *pipeline) runInstall(ctx context.Context) *stepError {
	child, err := p.r.peers.InstallApk(ctx, InstallInput{
		identity:  p.ident(),
		TargetID:  p.req.TargetID,
		ProjectID: p.projectID,
		ApkPath:   p.apkPath,
	})
	if err != nil {
		return &stepError{message: "targets.install failed", technical: err.Error()}
	}
	if child.JobID == "" {
		return &stepError{message: "targets.install failed", technical: "empty job_id"}
	}
	return p.awaitChild(ctx, "targets.install", child.JobID)
}

func (p *pipeline) runLaunch(ctx context.Context) *stepError {
	child, err := p.r.peers.LaunchApp(ctx, LaunchInput{
		identity:      p.ident(),
		TargetID:      p.req.TargetID,
		ApplicationID: p.req.ApplicationID,
		Activity:      p.req.Activity,
	})
	if err != nil {
		return &stepError{message: "targets.launch failed", technical: err.Error()}
	}
	if child.JobID == "" {
		return &stepError{message: "targets.launch failed", technical: "empty job_id"}
	}
	return p.awaitChild(ctx, "targets.launch", child.JobID)
}

func (p *pipeline) runBundle(ctx context.Context, kind StepKind) *stepError {
	in := BundleInput{
		identity:       p.ident(),
		ProjectID:      p.projectID,
		TargetID:       p.req.TargetID,
		ToolchainSetID: p.req.ToolchainSetID,
	}
	var child StartedChild
	var err error
	if kind == StepSupportBundle {
		child, err = p.r.peers.ExportSupportBundle(ctx, in)
	} else {
		child, err = p.r.peers.ExportEvidenceBundle(ctx, in)
	}
	if err != nil {
		return &stepError{message: string(kind) + " failed", technical: err.Error()}
	}
	return p.awaitChild(ctx, string(kind), child.JobID)
}

// awaitChild records the child job and waits for its terminal outcome,
// relaying parent cancellation onto the in-flight child. A missing child id
// means the peer finished synchronously; nothing to wait on.
func (p *pipeline) awaitChild(ctx context.Context, stepName, childJobID string) *stepError {
	if childJobID == "" {
		return nil
	}
	p.jobIDs = append(p.jobIDs, childJobID)

	state, cancelled, err := p.r.waitForChild(ctx, p.parentJobID, childJobID)
	if err != nil {
		return &stepError{message: stepName + " job failed", technical: err.Error()}
	}
	if cancelled {
		return &stepError{
			message:   "pipeline cancelled",
			technical: "cancelled while waiting on child job " + childJobID,
			cancelled: true,
		}
	}
	if state != aadk.JobStateSuccess {
		return &stepError{
			message:   stepName + " failed",
			technical: fmt.Sprintf("child job %s finished in state %d", childJobID, state),
		}
	}
	return nil
}

// waitForChild subscribes to the child's event stream until it terminates.
// Every second it also polls the parent's cancel latch; when set it cancels
// the in-flight child and reports cancellation once the child settles.
func (r *Runner) waitForChild(ctx context.Context, parentJobID, childJobID string) (aadk.JobState, bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.jobs.StreamJobEvents(streamCtx, childJobID, true)
	if err != nil {
		return aadk.JobStateUnspecified, false, err
	}
	defer func() { _ = stream.Close() }()

	type outcome struct {
		state aadk.JobState
		err   error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		for {
			evt, err := stream.Next()
			if err != nil {
				if err == io.EOF || streamCtx.Err() != nil {
					// Stream closed before a terminal payload; ask directly.
					job, gerr := r.jobs.GetJob(context.WithoutCancel(ctx), childJobID)
					if gerr != nil {
						resultCh <- outcome{err: gerr}
						return
					}
					resultCh <- outcome{state: job.State}
					return
				}
				resultCh <- outcome{err: err}
				return
			}
			switch evt.Payload.Type {
			case aadk.EventCompleted:
				resultCh <- outcome{state: aadk.JobStateSuccess}
				return
			case aadk.EventFailed:
				resultCh <- outcome{state: aadk.JobStateFailed}
				return
			case aadk.EventStateChanged:
				if evt.Payload.StateChanged != nil && evt.Payload.StateChanged.NewState.Terminal() {
					resultCh <- outcome{state: evt.Payload.StateChanged.NewState}
					return
				}
			}
		}
	}()

	cancelTick := time.NewTicker(cancelPollInterval)
	defer cancelTick.Stop()
	cancelRequested := false

	for {
		select {
		case <-ctx.Done():
			return aadk.JobStateUnspecified, false, ctx.Err()
		case res := <-resultCh:
			return res.state, cancelRequested, res.err
		case <-cancelTick.C:
			if cancelRequested {
				continue
			}
			parent, err := r.jobs.GetJob(ctx, parentJobID)
			if err != nil {
				continue
			}
			if parent.CancelRequested {
				cancelRequested = true
				if _, err := r.jobs.CancelJob(ctx, childJobID); err != nil {
					r.logger.Warn("cancel child failed", "job_id", childJobID, "error", err)
				}
			}
		}
	}
}

func (p *pipeline) finishFailed(ctx context.Context, serr *stepError) {
	p.r.logger.Warn("pipeline failed",
		"run_id", p.runID, "job_id", p.parentJobID,
		"message", serr.message, "detail", serr.technical)
	p.summary = append(p.summary,
		model.KeyValue{Key: "error", Value: serr.message},
		model.KeyValue{Key: "detail", Value: serr.technical})
	p.upsertRun(ctx, model.RunResultFailed, true)
	p.publishFailed(ctx, model.ErrorDetail{
		Code:             model.CodeInternal,
		Message:          serr.message,
		TechnicalDetails: serr.technical,
		CorrelationID:    p.correlationID,
	})
}

func (p *pipeline) finishCancelled(ctx context.Context, serr *stepError) {
	p.r.logger.Info("pipeline cancelled", "run_id", p.runID, "job_id", p.parentJobID)
	p.summary = append(p.summary, model.KeyValue{Key: "cancelled", Value: serr.technical})
	p.upsertRun(ctx, model.RunResultCancelled, true)
	p.publishFailed(ctx, model.ErrorDetail{
		Code:             model.CodeCancelled,
		Message:          "pipeline cancelled",
		TechnicalDetails: serr.technical,
		CorrelationID:    p.correlationID,
	})
}

// upsertRun is best-effort; a failed upsert never aborts the pipeline.
func (p *pipeline) upsertRun(ctx context.Context, result model.RunResult, finished bool) {
	rec := model.RunRecord{
		RunID:          p.runID,
		CorrelationID:  p.correlationID,
		Result:         result,
		StartedAt:      p.startedAt,
		ProjectID:      p.projectID,
		TargetID:       p.req.TargetID,
		ToolchainSetID: p.req.ToolchainSetID,
		JobIDs:         append([]string{p.parentJobID}, p.jobIDs...),
		Summary:        p.summary,
	}
	if finished {
		rec.FinishedAt = time.Now().UnixMilli()
	}
	if _, err := p.r.runs.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		p.r.logger.Warn("run record upsert failed", "run_id", p.runID, "error", err)
		p.publishLog(ctx, "WARN: failed to upsert run record: "+err.Error()+"\n")
	}
}

// Publishing helpers; all best-effort against the job service.

func (p *pipeline) publish(ctx context.Context, evt aadk.JobEvent) {
	evt.JobID = p.parentJobID
	if err := p.r.jobs.PublishJobEvent(context.WithoutCancel(ctx), evt); err != nil {
		p.r.logger.Warn("parent publish failed", "job_id", p.parentJobID, "error", err)
	}
}

func (p *pipeline) publishState(ctx context.Context, state aadk.JobState) {
	p.publish(ctx, aadk.JobEvent{Payload: aadk.EventPayload{
		Type:         aadk.EventStateChanged,
		StateChanged: &aadk.StateChanged{NewState: state},
	}})
}

func (p *pipeline) publishLog(ctx context.Context, line string) {
	p.publish(ctx, aadk.JobEvent{Payload: aadk.EventPayload{
		Type: aadk.EventLog,
		Log:  &aadk.LogChunk{Stream: "stdout", Data: []byte(line)},
	}})
}

func (p *pipeline) publishProgress(ctx context.Context, percent uint32, phase string, metrics []model.KeyValue) {
	p.publish(ctx, aadk.JobEvent{Payload: aadk.EventPayload{
		Type: aadk.EventProgress,
		Progress: &aadk.Progress{
			Percent: percent,
			Phase:   phase,
			Metrics: toSDKPairs(metrics),
		},
	}})
}

func (p *pipeline) publishCompleted(ctx context.Context, summary string, outputs []model.KeyValue) {
	p.publish(ctx, aadk.JobEvent{Payload: aadk.EventPayload{
		Type:      aadk.EventCompleted,
		Completed: &aadk.Completed{Summary: summary, Outputs: toSDKPairs(outputs)},
	}})
}

func (p *pipeline) publishFailed(ctx context.Context, detail model.ErrorDetail) {
	p.publish(ctx, aadk.JobEvent{Payload: aadk.EventPayload{
		Type: aadk.EventFailed,
		Failed: &aadk.Failed{Error: &aadk.ErrorDetail{
			Code:             int32(detail.Code),
			Message:          detail.Message,
			TechnicalDetails: detail.TechnicalDetails,
			CorrelationID:    detail.CorrelationID,
		}},
	}})
}

func toSDKPairs(pairs []model.KeyValue) []aadk.KeyValue {
	out := make([]aadk.KeyValue, len(pairs))
	for i, kv := range pairs {
		out[i] = aadk.KeyValue{Key: kv.Key, Value: kv.Value}
	}
	return out
}
