// Package orchestrator implements C6: the provisioning state machine that
// composes Catalog, BlockStore, IscsiGateway, Fabric and BootArtifacts
// into one compensating-transaction operation (spec §4.6).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/bmi-project/bmi/internal/blockstore"
	"github.com/bmi-project/bmi/internal/bmierr"
	"github.com/bmi-project/bmi/internal/bootfiles"
	"github.com/bmi-project/bmi/internal/catalog"
	"github.com/bmi-project/bmi/internal/fabric"
	"github.com/bmi-project/bmi/internal/iscsi"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Orchestrator holds the capability interfaces it composes; it never
// reaches for a global, per the Design Notes (§9): every collaborator is
// passed in at construction.
type Orchestrator struct {
	Catalog      *catalog.Catalog
	BlockStore   blockstore.Factory
	Iscsi        iscsi.Gateway
	Fabric       fabric.Fabric
	BootFiles    bootfiles.Writer
	Clock        clock.Clock
	Logger       *logrus.Entry
	SettleDelay  time.Duration
	MaxRetries   uint

	// Pool/KeyRing/AdminPassword are the fixed iSCSI session parameters
	// every Apply call carries (spec §6); they come from configuration.
	// The identity argument itself is the node name: the update tool
	// tracks in-use state per initiator, which is what makes a second
	// CREATE for an already-mapped node surface as NODE_IN_USE (spec §5
	// invariant 4) rather than a plain duplicate.
	Pool          string
	KeyRing       string
	AdminPassword string

	locks sync.Map // node name -> *sync.Mutex, advisory per-node serialization (spec §5)
}

// New wires the default retry/settle parameters if the caller left them
// zero, mirroring config.Default()'s values.
func New(cat *catalog.Catalog, bs blockstore.Factory, isc iscsi.Gateway, fab fabric.Fabric, boot bootfiles.Writer, clk clock.Clock, logger *logrus.Entry) *Orchestrator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		Catalog:     cat,
		BlockStore:  bs,
		Iscsi:       isc,
		Fabric:      fab,
		BootFiles:   boot,
		Clock:       clk,
		Logger:      logger,
		SettleDelay: 30 * time.Second,
		MaxRetries:  3,
	}
}

func (o *Orchestrator) lock(node string) func() {
	v, _ := o.locks.LoadOrStore(node, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// undo is a single compensating action, queued as forward steps succeed
// and run in reverse on any later failure (spec §4.6, §9: "compensation
// list accumulated during forward progress").
type undo struct {
	description string
	run         func(ctx context.Context) error
}

// runCompensations executes pending undos in reverse order, retrying each
// up to maxRetries times with exponential backoff. Any undo that still
// fails after exhausting retries is reported back as a leaked resource;
// the sequence never aborts early (spec §4.6: "maximum resource
// reclamation").
func runCompensations(ctx context.Context, log *logrus.Entry, pending []undo, maxRetries uint) []string {
	var leaked []string
	for i := len(pending) - 1; i >= 0; i-- {
		u := pending[i]
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			if err := u.run(ctx); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, nil
		}, backoff.WithMaxTries(maxRetries))
		if err != nil {
			log.WithError(err).WithField("compensation", u.description).Error("compensation step failed after retries, resource may be leaked")
			leaked = append(leaked, u.description)
		}
	}
	return leaked
}

// ProvisionRequest names every input to the S0->S5 state machine.
type ProvisionRequest struct {
	Node        string
	ProjectName string
	ImageName   string
	Network     string
	Channel     string
	NIC         string
}

type ProvisionResult struct {
	StorageName string
	ImageID     int64
	IpxeFile    string
}

// Provision drives the state machine S0 START through S5 BOOT_FILES_WRITTEN,
// pushing a compensation for every completed transition. Any failure
// unwinds everything completed so far and returns the original error
// (wrapped as ORCH_CANCELLED when the context was cancelled), unless
// compensation itself fails to converge, in which case
// ORCH_COMPENSATION_INCOMPLETE is returned instead with the leaked
// resource list attached.
func (o *Orchestrator) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	unlock := o.lock(req.Node)
	defer unlock()

	correlationID := uuid.NewString()
	log := o.Logger.WithField("correlation_id", correlationID).WithField("node", req.Node)
	log.Info("provision starting")

	var pending []undo
	fail := func(cause error) (*ProvisionResult, error) {
		if err := ctx.Err(); err != nil {
			cause = bmierr.Wrap(bmierr.OrchCancelled, "provision cancelled", cause)
		}
		leaked := runCompensations(ctx, log, pending, o.maxRetries())
		if len(leaked) > 0 {
			return nil, bmierr.Wrap(bmierr.OrchCompensationIncomplete,
				fmt.Sprintf("provision failed and left resources needing manual cleanup: %v (original error: %v)", leaked, cause), cause)
		}
		return nil, cause
	}

	projectID, ok, err := o.Catalog.ProjectIDByName(req.ProjectName)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(bmierr.New(bmierr.CatalogNotFound, "project "+req.ProjectName))
	}

	parentImageID, ok, err := o.Catalog.ImageIDByNameInProject(req.ImageName, projectID)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(bmierr.New(bmierr.CatalogNotFound, "image "+req.ImageName))
	}
	parentStorageName := catalog.StorageName(parentImageID)

	// S0 -> S1: attach the node's NIC to the project's provisioning network.
	if err := o.Fabric.AttachNodeToProjectNetwork(ctx, req.Node, req.Network, req.Channel, req.NIC); err != nil {
		return fail(err)
	}
	pending = append(pending, undo{
		description: fmt.Sprintf("fabric attach of node %s to network %s", req.Node, req.Network),
		run: func(ctx context.Context) error {
			o.Clock.Sleep(o.SettleDelay)
			return o.Fabric.DetachNodeFromProjectNetwork(ctx, req.Node, req.Network, req.NIC)
		},
	})

	// S1 -> S2: record the clone in the catalog before it exists in the
	// block store, so a crash between here and S3 is discoverable. The row
	// is filed under a staging name scoped to this attempt rather than the
	// node name itself: the node's own name is only free once ISCSI has
	// actually accepted the mapping, so a concurrent second attempt on an
	// already-provisioned node must be able to insert its own row and reach
	// the ISCSI gatekeeper instead of colliding with the live row here.
	stagingName := req.Node + "#" + correlationID
	catalogName := stagingName
	imageID, err := o.Catalog.InsertImage(stagingName, projectID, catalog.KindProvisionClone, &parentImageID, false)
	if err != nil {
		return fail(err)
	}
	pending = append(pending, undo{
		description: fmt.Sprintf("catalog row for %s", req.Node),
		run: func(ctx context.Context) error {
			return o.Catalog.DeleteImageByNameInProject(catalogName, projectID)
		},
	})
	storageName := catalog.StorageName(imageID)

	// S2 -> S3: clone the parent's protected sentinel snapshot.
	session, err := o.BlockStore.Open(ctx)
	if err != nil {
		return fail(bmierr.Wrap(bmierr.BlockConfigInvalid, "opening block store session", err))
	}
	defer session.Close()

	if err := session.Clone(ctx, parentStorageName, blockstore.SentinelSnapshot, storageName); err != nil {
		return fail(err)
	}
	pending = append(pending, undo{
		description: fmt.Sprintf("block image %s", storageName),
		run: func(ctx context.Context) error {
			s, err := o.BlockStore.Open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Remove(ctx, storageName)
		},
	})

	// S3 -> S4: publish the clone as an iSCSI LUN. This is the true
	// gatekeeper for a node already in use: the update tool tracks mapping
	// state per identity, so a second attempt on an already-provisioned
	// node fails here with NODE_IN_USE, after its own catalog row and clone
	// were created and now get compensated away.
	if err := o.Iscsi.Apply(ctx, iscsi.ActionCreate, o.Pool, req.Node, storageName, o.KeyRing, o.AdminPassword); err != nil {
		return fail(err)
	}
	pending = append(pending, undo{
		description: fmt.Sprintf("iscsi mapping for %s", storageName),
		run: func(ctx context.Context) error {
			return o.Iscsi.Apply(ctx, iscsi.ActionDelete, o.Pool, req.Node, storageName, o.KeyRing, o.AdminPassword)
		},
	})

	// The mapping is accepted: the node's own name is now free to commit.
	if err := o.Catalog.RenameImage(stagingName, req.Node, projectID); err != nil {
		return fail(err)
	}
	catalogName = req.Node

	// S4 -> S5: write the boot artifacts the node's PXE ROM will fetch.
	ipxeFile, err := o.BootFiles.WriteIpxe(ctx, req.Node, storageName)
	if err != nil {
		return fail(err)
	}
	mac, macErr := o.Fabric.NodeMAC(ctx, req.Node)
	if macErr != nil {
		return fail(macErr)
	}
	if err := o.BootFiles.WriteMacFile(ctx, storageName, ipxeFile, mac); err != nil {
		_ = o.BootFiles.Remove(ctx, req.Node, mac)
		return fail(err)
	}

	log.WithField("storage_name", storageName).Info("provision complete")
	return &ProvisionResult{StorageName: storageName, ImageID: imageID, IpxeFile: ipxeFile}, nil
}

// DeprovisionRequest names the inputs to the S5->S0 mirror sequence.
type DeprovisionRequest struct {
	Node        string
	ProjectName string
	NIC         string
}

// Deprovision mirrors S5->S0: detach fabric, delete the iSCSI mapping,
// delete the catalog row, remove the block image. Boot files are
// deliberately left in place (SPEC_FULL.md open-question decision).
func (o *Orchestrator) Deprovision(ctx context.Context, req DeprovisionRequest) error {
	unlock := o.lock(req.Node)
	defer unlock()

	log := o.Logger.WithField("correlation_id", uuid.NewString()).WithField("node", req.Node)

	project, ok, err := o.Catalog.ProjectByName(req.ProjectName)
	if err != nil {
		return err
	}
	if !ok {
		return bmierr.New(bmierr.CatalogNotFound, "project "+req.ProjectName)
	}

	imageID, ok, err := o.Catalog.ImageIDByNameInProject(req.Node, project.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Nothing in the catalog means a prior deprovision already ran to
		// completion (or nothing was ever provisioned); the gateway's own
		// already-unmapped signal is what a real second delete would
		// surface, so return the same kind directly rather than touching
		// the external systems again (spec E5).
		return bmierr.New(bmierr.IscsiNodeAlreadyUnmapped, req.Node)
	}
	storageName := catalog.StorageName(imageID)

	log.WithField("storage_name", storageName).Info("deprovision starting")

	if err := o.Fabric.DetachNodeFromProjectNetwork(ctx, req.Node, project.ProvisionNetwork, req.NIC); err != nil {
		return err
	}
	if err := o.Iscsi.Apply(ctx, iscsi.ActionDelete, o.Pool, req.Node, storageName, o.KeyRing, o.AdminPassword); err != nil {
		return err
	}
	if err := o.Catalog.DeleteImageByNameInProject(req.Node, project.ID); err != nil {
		return err
	}
	session, err := o.BlockStore.Open(ctx)
	if err != nil {
		return bmierr.Wrap(bmierr.BlockConfigInvalid, "opening block store session", err)
	}
	defer session.Close()
	if err := session.Remove(ctx, storageName); err != nil {
		return err
	}

	log.Info("deprovision complete")
	return nil
}

// CreateSnapshotRequest names the inputs to the safe-clone-from-live-image
// sequence (spec §4.2, §4.6).
type CreateSnapshotRequest struct {
	ProjectName  string
	ParentImage  string
	SnapshotName string
}

type CreateSnapshotResult struct {
	ImageID     int64
	StorageName string
}

// CreateSnapshot runs the §4.2 eight-step safe-clone algorithm, with a
// catalog row inserted between steps 2 and 3 so the snapshot's
// user-visible name resolves to a real storage name. The row comes before
// the clone, not after it: the clone's storage name is derived from the
// new row's id.
func (o *Orchestrator) CreateSnapshot(ctx context.Context, req CreateSnapshotRequest) (*CreateSnapshotResult, error) {
	log := o.Logger.WithField("correlation_id", uuid.NewString())

	projectID, ok, err := o.Catalog.ProjectIDByName(req.ProjectName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bmierr.New(bmierr.CatalogNotFound, "project "+req.ProjectName)
	}
	parentID, ok, err := o.Catalog.ImageIDByNameInProject(req.ParentImage, projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bmierr.New(bmierr.CatalogNotFound, "image "+req.ParentImage)
	}
	parentStorageName := catalog.StorageName(parentID)

	if _, exists, err := o.Catalog.ImageIDByNameInProject(req.SnapshotName, projectID); err != nil {
		return nil, err
	} else if exists {
		return nil, bmierr.New(bmierr.BlockImageExists, req.SnapshotName)
	}

	session, err := o.BlockStore.Open(ctx)
	if err != nil {
		return nil, bmierr.Wrap(bmierr.BlockConfigInvalid, "opening block store session", err)
	}
	defer session.Close()

	var pending []undo
	fail := func(cause error) (*CreateSnapshotResult, error) {
		leaked := runCompensations(ctx, log, pending, o.maxRetries())
		if len(leaked) > 0 {
			return nil, bmierr.Wrap(bmierr.OrchCompensationIncomplete,
				fmt.Sprintf("createSnapshot failed and left resources needing manual cleanup: %v (original error: %v)", leaked, cause), cause)
		}
		return nil, cause
	}

	// 1. snapCreate(parent, SENTINEL)
	if err := session.SnapCreate(ctx, parentStorageName, blockstore.SentinelSnapshot); err != nil {
		return fail(err)
	}
	pending = append(pending, undo{
		description: fmt.Sprintf("sentinel snapshot on %s", parentStorageName),
		run: func(ctx context.Context) error {
			s, err := o.BlockStore.Open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.SnapUnprotect(ctx, parentStorageName, blockstore.SentinelSnapshot); err != nil {
				return err
			}
			return s.SnapRemove(ctx, parentStorageName, blockstore.SentinelSnapshot)
		},
	})

	// 2. snapProtect(parent, SENTINEL)
	if err := session.SnapProtect(ctx, parentStorageName, blockstore.SentinelSnapshot); err != nil {
		return fail(err)
	}

	// Catalog row for the snapshot, between clone algebra steps 2 and 3;
	// its id names the clone created in step 3.
	childID, err := o.Catalog.InsertImage(req.SnapshotName, projectID, catalog.KindSnapshot, &parentID, true)
	if err != nil {
		return fail(err)
	}
	pending = append(pending, undo{
		description: fmt.Sprintf("catalog row for snapshot %s", req.SnapshotName),
		run: func(ctx context.Context) error {
			return o.Catalog.DeleteImageByNameInProject(req.SnapshotName, projectID)
		},
	})
	childStorageName := catalog.StorageName(childID)

	// 3. clone(parent, SENTINEL, child)
	if err := session.Clone(ctx, parentStorageName, blockstore.SentinelSnapshot, childStorageName); err != nil {
		return fail(err)
	}
	pending = append(pending, undo{
		description: fmt.Sprintf("block image %s", childStorageName),
		run: func(ctx context.Context) error {
			s, err := o.BlockStore.Open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Remove(ctx, childStorageName)
		},
	})

	// 4. flatten(child)
	if err := session.Flatten(ctx, childStorageName); err != nil {
		return fail(err)
	}
	// 5. snapCreate(child, SENTINEL)
	if err := session.SnapCreate(ctx, childStorageName, blockstore.SentinelSnapshot); err != nil {
		return fail(err)
	}
	// 6. snapProtect(child, SENTINEL)
	if err := session.SnapProtect(ctx, childStorageName, blockstore.SentinelSnapshot); err != nil {
		return fail(err)
	}
	// 7. snapUnprotect(parent, SENTINEL) -- releases the parent immediately,
	// matching §4.2's rationale that the child's own sentinel is now the
	// clone source future provisions use.
	if err := session.SnapUnprotect(ctx, parentStorageName, blockstore.SentinelSnapshot); err != nil {
		return fail(err)
	}
	// 8. snapRemove(parent, SENTINEL)
	if err := session.SnapRemove(ctx, parentStorageName, blockstore.SentinelSnapshot); err != nil {
		return fail(err)
	}

	log.WithField("storage_name", childStorageName).Info("snapshot created")
	return &CreateSnapshotResult{ImageID: childID, StorageName: childStorageName}, nil
}

// RemoveImageRequest names a catalog-visible image to destroy, whether it
// is a user upload or a snapshot.
type RemoveImageRequest struct {
	ProjectName string
	ImageName   string
}

// RemoveImage applies the mandatory order from spec §4.6: unprotect the
// sentinel, remove the sentinel snapshot, remove the block image, delete
// the catalog row last so a crash mid-sequence is discoverable.
func (o *Orchestrator) RemoveImage(ctx context.Context, req RemoveImageRequest) error {
	projectID, ok, err := o.Catalog.ProjectIDByName(req.ProjectName)
	if err != nil {
		return err
	}
	if !ok {
		return bmierr.New(bmierr.CatalogNotFound, "project "+req.ProjectName)
	}
	imageID, ok, err := o.Catalog.ImageIDByNameInProject(req.ImageName, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return bmierr.New(bmierr.CatalogNotFound, "image "+req.ImageName)
	}
	storageName := catalog.StorageName(imageID)

	session, err := o.BlockStore.Open(ctx)
	if err != nil {
		return bmierr.Wrap(bmierr.BlockConfigInvalid, "opening block store session", err)
	}
	defer session.Close()

	if err := session.SnapUnprotect(ctx, storageName, blockstore.SentinelSnapshot); err != nil && bmierr.KindOf(err) != bmierr.BlockImageNotFound {
		return err
	}
	if err := session.SnapRemove(ctx, storageName, blockstore.SentinelSnapshot); err != nil && bmierr.KindOf(err) != bmierr.BlockImageNotFound {
		return err
	}
	if err := session.Remove(ctx, storageName); err != nil {
		return err
	}
	return o.Catalog.DeleteImageByNameInProject(req.ImageName, projectID)
}

// ListSnapshots returns the snapshot-kind image names visible in a
// project's namespace; unknown projects fail with CATALOG_NOT_FOUND
// (spec E8).
func (o *Orchestrator) ListSnapshots(ctx context.Context, projectName string) ([]string, error) {
	id, ok, err := o.Catalog.ProjectIDByName(projectName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bmierr.New(bmierr.CatalogNotFound, "project "+projectName)
	}
	return o.Catalog.SnapshotsInProject(id)
}

func (o *Orchestrator) maxRetries() uint {
	if o.MaxRetries == 0 {
		return 3
	}
	return o.MaxRetries
}
