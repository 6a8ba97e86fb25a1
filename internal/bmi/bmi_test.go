package bmi

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"sync"
	"testing"

	"code.cloudfoundry.org/clock"
	"github.com/bmi-project/bmi/internal/blockstore"
	"github.com/bmi-project/bmi/internal/bootfiles"
	"github.com/bmi-project/bmi/internal/catalog"
	"github.com/bmi-project/bmi/internal/iscsi"
	"github.com/bmi-project/bmi/internal/orchestrator"
	"github.com/sirupsen/logrus"
)

type fakeFabric struct {
	mu             sync.Mutex
	attached       map[string]bool
	unauthorizedOn string
}

func (f *fakeFabric) AttachNodeToProjectNetwork(ctx context.Context, node, network, channel, nic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == nil {
		f.attached = map[string]bool{}
	}
	f.attached[node] = true
	return nil
}

func (f *fakeFabric) DetachNodeFromProjectNetwork(ctx context.Context, node, network, nic string) error {
	return nil
}

func (f *fakeFabric) NodeMAC(ctx context.Context, node string) (string, error) {
	return "aa:bb:cc:dd:ee:27", nil
}

func (f *fakeFabric) ValidateProject(ctx context.Context, name string) error {
	if name == f.unauthorizedOn {
		return &projectUnauthorizedError{name: name}
	}
	return nil
}

type projectUnauthorizedError struct{ name string }

func (e *projectUnauthorizedError) Error() string { return "unauthorized for project " + e.name }

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func newTestFacade(t *testing.T) (*Facade, int64) {
	t.Helper()
	return newTestFacadeWithFabric(t, &fakeFabric{})
}

func newTestFacadeWithFabric(t *testing.T, fab *fakeFabric) (*Facade, int64) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	bs := blockstore.NewMemFactory()
	boot := bootfiles.NewFileWriter(t.TempDir(), t.TempDir(), "#!ipxe {{IPXE_TARGET_NAME}}", "{{MAC_IMG_NAME}} {{MAC_IPXE_NAME}}")
	orch := orchestrator.New(cat, bs, noopIscsi{}, fab, boot, clock.NewClock(), logrus.NewEntry(logrus.New()))
	orch.SettleDelay = 0

	projID, err := cat.InsertProject("bmi_infra", "vlan/native")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	session, err := bs.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()
	if err := session.CreateImage(ctx, "img1", 10<<30); err != nil {
		t.Fatal(err)
	}
	if err := session.SnapCreate(ctx, "img1", blockstore.SentinelSnapshot); err != nil {
		t.Fatal(err)
	}
	if err := session.SnapProtect(ctx, "img1", blockstore.SentinelSnapshot); err != nil {
		t.Fatal(err)
	}
	if _, err := cat.InsertImage("hadoopMaster.img", projID, catalog.KindUserUpload, nil, false); err != nil {
		t.Fatal(err)
	}

	return New(orch), projID
}

type noopIscsi struct{}

func (noopIscsi) Apply(ctx context.Context, action iscsi.Action, pool, identity, storageName, keyRing, adminPassword string) error {
	return nil
}

func TestDecodeCredentialsSplitsOnFirstColonOnly(t *testing.T) {
	user, pass, err := DecodeCredentials(basicAuth("operator", "p:a:s:s"))
	if err != nil {
		t.Fatal(err)
	}
	if user != "operator" || pass != "p:a:s:s" {
		t.Fatalf("got user=%q pass=%q", user, pass)
	}
}

func TestDecodeCredentialsRejectsInvalidBase64(t *testing.T) {
	if _, _, err := DecodeCredentials("not-base64!!"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestDecodeCredentialsRejectsMissingColon(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("nocolonhere"))
	if _, _, err := DecodeCredentials(encoded); err == nil {
		t.Fatal("expected an error")
	}
}

func TestProvisionSucceedsAndReturnsEnvelope(t *testing.T) {
	f, _ := newTestFacade(t)
	resp := f.Provision(context.Background(), ProvisionRequest{
		Credentials: basicAuth("operator", "secret"),
		Node:        "cisco-27",
		ProjectName: "bmi_infra",
		ImageName:   "hadoopMaster.img",
		Network:     "vlan/native",
		Channel:     "bmi-provision",
		NIC:         "enp130s0f0",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, resp.Message)
	}
	if resp.Value == nil {
		t.Fatal("expected a value")
	}
}

func TestProvisionMissingImageReturns404WithRewrittenMessage(t *testing.T) {
	f, _ := newTestFacade(t)
	resp := f.Provision(context.Background(), ProvisionRequest{
		Credentials: basicAuth("operator", "secret"),
		Node:        "cisco-27",
		ProjectName: "bmi_infra",
		ImageName:   "i12",
		Network:     "vlan/native",
		Channel:     "bmi-provision",
		NIC:         "enp130s0f0",
	})
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if resp.Message == "" {
		t.Fatal("expected a message")
	}
}

func TestProvisionRejectsMalformedCredentialsBeforeTouchingOrchestrator(t *testing.T) {
	f, _ := newTestFacade(t)
	resp := f.Provision(context.Background(), ProvisionRequest{
		Credentials: "!!not-base64!!",
		Node:        "cisco-27",
		ProjectName: "bmi_infra",
		ImageName:   "hadoopMaster.img",
	})
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestProvisionSurfacesFabricProjectValidationFailure(t *testing.T) {
	f, _ := newTestFacadeWithFabric(t, &fakeFabric{unauthorizedOn: "bmi_infra"})
	resp := f.Provision(context.Background(), ProvisionRequest{
		Credentials: basicAuth("operator", "secret"),
		Node:        "cisco-27",
		ProjectName: "bmi_infra",
		ImageName:   "hadoopMaster.img",
		Network:     "vlan/native",
		Channel:     "bmi-provision",
		NIC:         "enp130s0f0",
	})
	if resp.StatusCode != 500 {
		t.Fatalf("expected 500 for an unrecognized error kind, got %d", resp.StatusCode)
	}
	if resp.Message == "" {
		t.Fatal("expected a message")
	}
}

func TestListSnapshotsUnknownProjectReturns404(t *testing.T) {
	f, _ := newTestFacade(t)
	resp := f.ListSnapshots(context.Background(), ListSnapshotsRequest{
		Credentials: basicAuth("operator", "secret"),
		ProjectName: "ghost-project",
	})
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListSnapshotsRejectsMalformedCredentials(t *testing.T) {
	f, _ := newTestFacade(t)
	resp := f.ListSnapshots(context.Background(), ListSnapshotsRequest{
		Credentials: "!!not-base64!!",
		ProjectName: "bmi_infra",
	})
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestListSnapshotsSurfacesFabricProjectValidationFailure(t *testing.T) {
	f, _ := newTestFacadeWithFabric(t, &fakeFabric{unauthorizedOn: "bmi_infra"})
	resp := f.ListSnapshots(context.Background(), ListSnapshotsRequest{
		Credentials: basicAuth("operator", "secret"),
		ProjectName: "bmi_infra",
	})
	if resp.StatusCode != 500 {
		t.Fatalf("expected 500 for an unrecognized error kind, got %d", resp.StatusCode)
	}
}

func TestListSnapshotsSucceeds(t *testing.T) {
	f, _ := newTestFacade(t)
	resp := f.ListSnapshots(context.Background(), ListSnapshotsRequest{
		Credentials: basicAuth("operator", "secret"),
		ProjectName: "bmi_infra",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, resp.Message)
	}
}

func TestCreateSnapshotThenRemoveImageRoundTrips(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	creds := basicAuth("operator", "secret")

	// The fixture gives img1 a protected SENTINEL for provisioning; release
	// it so the snapshot sequence's own SnapCreate(parent, SENTINEL) is not
	// rejected as a duplicate.
	session, err := f.Orchestrator.BlockStore.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()
	if err := session.SnapUnprotect(ctx, "img1", blockstore.SentinelSnapshot); err != nil {
		t.Fatal(err)
	}
	if err := session.SnapRemove(ctx, "img1", blockstore.SentinelSnapshot); err != nil {
		t.Fatal(err)
	}

	createResp := f.CreateSnapshot(ctx, CreateSnapshotRequest{
		Credentials:  creds,
		ProjectName:  "bmi_infra",
		ParentImage:  "hadoopMaster.img",
		SnapshotName: "blblb1",
	})
	if createResp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d (%s)", createResp.StatusCode, createResp.Message)
	}

	dupResp := f.CreateSnapshot(ctx, CreateSnapshotRequest{
		Credentials:  creds,
		ProjectName:  "bmi_infra",
		ParentImage:  "hadoopMaster.img",
		SnapshotName: "blblb1",
	})
	if dupResp.StatusCode != 471 {
		t.Fatalf("expected 471, got %d", dupResp.StatusCode)
	}

	removeResp := f.RemoveImage(ctx, RemoveImageRequest{
		Credentials: creds,
		ProjectName: "bmi_infra",
		ImageName:   "blblb1",
	})
	if removeResp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d (%s)", removeResp.StatusCode, removeResp.Message)
	}
}
