// Package bmi is the boundary facade standing in for the out-of-scope HTTP
// surface (spec §1): it decodes pass-through credentials, validates project
// membership with the Fabric controller before any mutating operation, and
// shapes every orchestrator result into the fixed return envelope (spec
// §6/§7) that cmd/bmictl prints as JSON.
package bmi

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/bmi-project/bmi/internal/bmierr"
	"github.com/bmi-project/bmi/internal/orchestrator"
)

// Envelope is the system boundary's fixed response shape: statusCode plus
// either value (success) or message (failure), per spec §6.
type Envelope struct {
	StatusCode int         `json:"statusCode"`
	Value      interface{} `json:"value,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// DecodeCredentials splits a base64(user:pass) token on the first colon
// only, the way the source does implicitly: a password containing a colon
// is preserved verbatim in the second half rather than rejected (spec §9
// open question, decided literally).
func DecodeCredentials(encoded string) (user, pass string, err error) {
	raw, decodeErr := base64.StdEncoding.DecodeString(encoded)
	if decodeErr != nil {
		return "", "", bmierr.Wrap(bmierr.FabricUnauthorized, "decoding credentials", decodeErr)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", bmierr.New(bmierr.FabricUnauthorized, "credentials missing ':' separator")
	}
	return parts[0], parts[1], nil
}

// Facade composes a single Orchestrator; it never holds its own Catalog or
// Fabric handle, reusing the Orchestrator's for the boundary rewrite and
// project-membership check.
type Facade struct {
	Orchestrator *orchestrator.Orchestrator
}

func New(o *orchestrator.Orchestrator) *Facade {
	return &Facade{Orchestrator: o}
}

// authorize decodes the request's credentials and validates project
// membership; it is the one required pre-check before any operation that
// mutates project-scoped resources (spec §4.4 validateProject).
func (f *Facade) authorize(ctx context.Context, credentials, projectName string) error {
	if _, _, err := DecodeCredentials(credentials); err != nil {
		return err
	}
	return f.Orchestrator.Fabric.ValidateProject(ctx, projectName)
}

func (f *Facade) ok(value interface{}) Envelope {
	return Envelope{StatusCode: 200, Value: value}
}

// fail applies the boundary-only storage-name rewrite (spec §7) to
// block-layer errors before shaping the envelope; other errors' messages
// pass through unchanged. It never touches the value returned to log output.
func (f *Facade) fail(err error) Envelope {
	msg := err.Error()
	if bmierr.FromBlockLayer(err) {
		msg = bmierr.RewriteStorageNames(msg, f.Orchestrator.Catalog)
	}
	return Envelope{
		StatusCode: bmierr.StatusCode(err),
		Message:    msg,
	}
}

type ProvisionRequest struct {
	Credentials string
	Node        string
	ProjectName string
	ImageName   string
	Network     string
	Channel     string
	NIC         string
}

func (f *Facade) Provision(ctx context.Context, req ProvisionRequest) Envelope {
	if err := f.authorize(ctx, req.Credentials, req.ProjectName); err != nil {
		return f.fail(err)
	}
	res, err := f.Orchestrator.Provision(ctx, orchestrator.ProvisionRequest{
		Node:        req.Node,
		ProjectName: req.ProjectName,
		ImageName:   req.ImageName,
		Network:     req.Network,
		Channel:     req.Channel,
		NIC:         req.NIC,
	})
	if err != nil {
		return f.fail(err)
	}
	return f.ok(res)
}

type DeprovisionRequest struct {
	Credentials string
	Node        string
	ProjectName string
	NIC         string
}

func (f *Facade) Deprovision(ctx context.Context, req DeprovisionRequest) Envelope {
	if err := f.authorize(ctx, req.Credentials, req.ProjectName); err != nil {
		return f.fail(err)
	}
	if err := f.Orchestrator.Deprovision(ctx, orchestrator.DeprovisionRequest{
		Node:        req.Node,
		ProjectName: req.ProjectName,
		NIC:         req.NIC,
	}); err != nil {
		return f.fail(err)
	}
	return f.ok(nil)
}

type CreateSnapshotRequest struct {
	Credentials  string
	ProjectName  string
	ParentImage  string
	SnapshotName string
}

func (f *Facade) CreateSnapshot(ctx context.Context, req CreateSnapshotRequest) Envelope {
	if err := f.authorize(ctx, req.Credentials, req.ProjectName); err != nil {
		return f.fail(err)
	}
	res, err := f.Orchestrator.CreateSnapshot(ctx, orchestrator.CreateSnapshotRequest{
		ProjectName:  req.ProjectName,
		ParentImage:  req.ParentImage,
		SnapshotName: req.SnapshotName,
	})
	if err != nil {
		return f.fail(err)
	}
	return f.ok(res)
}

type RemoveImageRequest struct {
	Credentials string
	ProjectName string
	ImageName   string
}

func (f *Facade) RemoveImage(ctx context.Context, req RemoveImageRequest) Envelope {
	if err := f.authorize(ctx, req.Credentials, req.ProjectName); err != nil {
		return f.fail(err)
	}
	if err := f.Orchestrator.RemoveImage(ctx, orchestrator.RemoveImageRequest{
		ProjectName: req.ProjectName,
		ImageName:   req.ImageName,
	}); err != nil {
		return f.fail(err)
	}
	return f.ok(nil)
}

type ListSnapshotsRequest struct {
	Credentials string
	ProjectName string
}

// ListSnapshots validates project membership the same way every other
// operation does before reading the catalog, matching the original's own
// list_snapshots(), which calls validate_project() despite being read-only.
func (f *Facade) ListSnapshots(ctx context.Context, req ListSnapshotsRequest) Envelope {
	if err := f.authorize(ctx, req.Credentials, req.ProjectName); err != nil {
		return f.fail(err)
	}
	names, err := f.Orchestrator.ListSnapshots(ctx, req.ProjectName)
	if err != nil {
		return f.fail(err)
	}
	return f.ok(names)
}
