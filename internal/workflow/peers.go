package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aadk-dev/aadk/internal/model"
)

// StartedChild is what a peer service reports when it accepts a step: the
// child job id it registered with the job service, plus step-specific
// results delivered synchronously.
type StartedChild struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id,omitempty"`
	Verified  bool   `json:"verified,omitempty"`
}

// Artifact is one build output reported by the build service.
type Artifact struct {
	Name     string           `json:"name"`
	Path     string           `json:"path"`
	Type     string           `json:"type"`
	Metadata []model.KeyValue `json:"metadata,omitempty"`
}

// identity is the {job_id?, correlation_id?, run_id?} triple every
// long-running peer RPC accepts so child jobs join the run.
type identity struct {
	JobID         string `json:"job_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RunID         string `json:"run_id,omitempty"`
}

// CreateProjectInput parameterizes project.create.
type CreateProjectInput struct {
	identity
	Name           string `json:"name"`
	Path           string `json:"path"`
	TemplateID     string `json:"template_id"`
	ToolchainSetID string `json:"toolchain_set_id,omitempty"`
}

// VerifyToolchainInput parameterizes toolchain.verify.
type VerifyToolchainInput struct {
	identity
	ToolchainID string `json:"toolchain_id"`
}

// BuildInput parameterizes build.run.
type BuildInput struct {
	identity
	ProjectRef  string   `json:"project_ref"`
	Variant     string   `json:"variant,omitempty"`
	Module      string   `json:"module,omitempty"`
	VariantName string   `json:"variant_name,omitempty"`
	Tasks       []string `json:"tasks,omitempty"`
}

// ArtifactQuery selects build outputs after a successful build.
type ArtifactQuery struct {
	ProjectRef string `json:"project_ref"`
	Variant    string `json:"variant,omitempty"`
	Module     string `json:"module,omitempty"`
}

// InstallInput parameterizes targets.install.
type InstallInput struct {
	identity
	TargetID  string `json:"target_id"`
	ProjectID string `json:"project_id,omitempty"`
	ApkPath   string `json:"apk_path"`
}

// LaunchInput parameterizes targets.launch.
type LaunchInput struct {
	identity
	TargetID      string `json:"target_id"`
	ApplicationID string `json:"application_id"`
	Activity      string `json:"activity,omitempty"`
}

// BundleInput parameterizes the observe export steps.
type BundleInput struct {
	identity
	ProjectID      string `json:"project_id,omitempty"`
	TargetID       string `json:"target_id,omitempty"`
	ToolchainSetID string `json:"toolchain_set_id,omitempty"`
}

// Gateway is the polymorphic step capability: one call per step kind, each
// returning the child job id to wait on. Peer services sit behind it; tests
// substitute fakes.
type Gateway interface {
	CreateProject(ctx context.Context, in CreateProjectInput) (StartedChild, error)
	OpenProject(ctx context.Context, path string) (StartedChild, error)
	VerifyToolchain(ctx context.Context, in VerifyToolchainInput) (StartedChild, error)
	RunBuild(ctx context.Context, in BuildInput) (StartedChild, error)
	ListArtifacts(ctx context.Context, in ArtifactQuery) ([]Artifact, error)
	InstallApk(ctx context.Context, in InstallInput) (StartedChild, error)
	LaunchApp(ctx context.Context, in LaunchInput) (StartedChild, error)
	ExportSupportBundle(ctx context.Context, in BundleInput) (StartedChild, error)
	ExportEvidenceBundle(ctx context.Context, in BundleInput) (StartedChild, error)
}

// PeerAddrs are the loopback addresses of the peer services.
type PeerAddrs struct {
	Toolchain string
	Project   string
	Build     string
	Targets   string
	Observe   string
}

// HTTPGateway talks to the peer services over their loopback HTTP APIs.
type HTTPGateway struct {
	addrs  PeerAddrs
	client *http.Client
}

// NewHTTPGateway builds the production gateway.
func NewHTTPGateway(addrs PeerAddrs) *HTTPGateway {
	return &HTTPGateway{
		addrs:  addrs,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *HTTPGateway) CreateProject(ctx context.Context, in CreateProjectInput) (StartedChild, error) {
	var out StartedChild
	err := g.post(ctx, g.addrs.Project, "/v1/projects", in, &out)
	return out, err
}

func (g *HTTPGateway) OpenProject(ctx context.Context, path string) (StartedChild, error) {
	var out StartedChild
	err := g.post(ctx, g.addrs.Project, "/v1/projects/open", map[string]string{"path": path}, &out)
	return out, err
}

func (g *HTTPGateway) VerifyToolchain(ctx context.Context, in VerifyToolchainInput) (StartedChild, error) {
	var out StartedChild
	err := g.post(ctx, g.addrs.Toolchain, "/v1/toolchains/verify", in, &out)
	return out, err
}

func (g *HTTPGateway) RunBuild(ctx context.Context, in BuildInput) (StartedChild, error) {
	var out StartedChild
	err := g.post(ctx, g.addrs.Build, "/v1/builds", in, &out)
	return out, err
}

func (g *HTTPGateway) ListArtifacts(ctx context.Context, in ArtifactQuery) ([]Artifact, error) {
	var out struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	err := g.post(ctx, g.addrs.Build, "/v1/artifacts/list", in, &out)
	return out.Artifacts, err
}

func (g *HTTPGateway) InstallApk(ctx context.Context, in InstallInput) (StartedChild, error) {
	var out StartedChild
	err := g.post(ctx, g.addrs.Targets, "/v1/targets/"+url.PathEscape(in.TargetID)+"/install", in, &out)
	return out, err
}

func (g *HTTPGateway) LaunchApp(ctx context.Context, in LaunchInput) (StartedChild, error) {
	var out StartedChild
	err := g.post(ctx, g.addrs.Targets, "/v1/targets/"+url.PathEscape(in.TargetID)+"/launch", in, &out)
	return out, err
}

func (g *HTTPGateway) ExportSupportBundle(ctx context.Context, in BundleInput) (StartedChild, error) {
	var out StartedChild
	err := g.post(ctx, g.addrs.Observe, "/v1/bundles/support", in, &out)
	return out, err
}

func (g *HTTPGateway) ExportEvidenceBundle(ctx context.Context, in BundleInput) (StartedChild, error) {
	var out StartedChild
	err := g.post(ctx, g.addrs.Observe, "/v1/bundles/evidence", in, &out)
	return out, err
}

// post sends one peer RPC and decodes the standard data envelope.
func (g *HTTPGateway) post(ctx context.Context, addr, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("workflow: marshal peer request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("workflow: build peer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("workflow: peer %s unavailable: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("workflow: read peer response: %w", err)
	}

	var envelope struct {
		Data  json.RawMessage    `json:"data"`
		Error *model.ErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("workflow: decode peer response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		if envelope.Error != nil {
			return fmt.Errorf("workflow: peer %s%s: code %d: %s", addr, path, envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("workflow: peer %s%s: http %d", addr, path, resp.StatusCode)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("workflow: decode peer data: %w", err)
		}
	}
	return nil
}
