// Package blockstore implements C2: the copy-on-write image store
// abstraction (spec §4.2). SentinelSnapshot is the fixed snapshot name
// every image is cloned from (spec Glossary: SENTINEL).
package blockstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bmi-project/bmi/internal/bmierr"
)

// SentinelSnapshot is the canonical clone-source snapshot name used for
// every image (spec Glossary / §4.6 safe-clone sequence).
const SentinelSnapshot = "SENTINEL"

// Session is a scoped block-store handle: acquired from a Factory,
// released via Close on every exit path, matching the
// "with RBD(...) as fs" pattern the original ceph_wrapper.py uses and
// the Design Notes' scoped-resource-acquisition requirement (§9).
type Session interface {
	ListImages(ctx context.Context) ([]string, error)
	CreateImage(ctx context.Context, name string, sizeBytes uint64) error
	Clone(ctx context.Context, parentName, parentSnap, childName string) error
	Remove(ctx context.Context, name string) error
	Write(ctx context.Context, name string, data []byte, offset int64) error
	Read(ctx context.Context, name string, length int, offset int64) ([]byte, error)
	SnapCreate(ctx context.Context, name, snap string) error
	SnapList(ctx context.Context, name string) ([]string, error)
	SnapRemove(ctx context.Context, name, snap string) error
	SnapProtect(ctx context.Context, name, snap string) error
	SnapUnprotect(ctx context.Context, name, snap string) error
	Flatten(ctx context.Context, name string) error
	Close() error
}

// Factory opens a scoped Session over a single cluster handle and I/O
// context (or, for the in-memory backend, a single in-process store),
// per the required-keys session config in spec §6.
type Factory interface {
	Open(ctx context.Context) (Session, error)
}

// image is the internal representation shared by MemFactory sessions; a
// real backend (e.g. the ZFS driver) keeps none of this, deferring to the
// underlying store, but still needs equivalent protected-snapshot
// bookkeeping since ZFS has no native "protect" primitive
// (SPEC_FULL.md §3).
type image struct {
	name      string
	snapshots map[string]*snapshot
	parent    *cloneOrigin
}

type cloneOrigin struct {
	imageName string
	snapName  string
}

type snapshot struct {
	protected bool
	// flattenedFrom records clones that have been detached from this
	// snapshot by Flatten (spec §3 BlockImage entity). Remove does not
	// consult it: its dependency check reads each image's parent link,
	// which Flatten clears.
	flattenedFrom map[string]bool
}

// MemFactory is a process-local, in-memory BlockStore backend. It is the
// backend bmictl runs with when no ZFS pool is configured (local
// development, CI, the orchestrator's own test suite) and is the
// reference implementation of every invariant in spec §4.2: at-most-once
// snapshot creation, protect/unprotect bookkeeping, and the
// busy/has-snapshots checks a COW store must enforce.
type MemFactory struct {
	mu     sync.Mutex
	images map[string]*image
}

func NewMemFactory() *MemFactory {
	return &MemFactory{images: make(map[string]*image)}
}

func (f *MemFactory) Open(ctx context.Context) (Session, error) {
	return &memSession{factory: f}, nil
}

type memSession struct {
	factory *MemFactory
}

func (s *memSession) Close() error { return nil }

func (s *memSession) ListImages(ctx context.Context) ([]string, error) {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	names := make([]string, 0, len(s.factory.images))
	for n := range s.factory.images {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memSession) CreateImage(ctx context.Context, name string, sizeBytes uint64) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	if _, ok := s.factory.images[name]; ok {
		return bmierr.New(bmierr.BlockImageExists, name)
	}
	s.factory.images[name] = &image{name: name, snapshots: map[string]*snapshot{}}
	return nil
}

func (s *memSession) Clone(ctx context.Context, parentName, parentSnap, childName string) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()

	parent, ok := s.factory.images[parentName]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, parentName)
	}
	snap, ok := parent.snapshots[parentSnap]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, parentSnap)
	}
	if !snap.protected {
		return bmierr.New(bmierr.BlockArgOutOfRange, fmt.Sprintf("snapshot %s of %s is not protected", parentSnap, parentName))
	}
	if _, ok := s.factory.images[childName]; ok {
		return bmierr.New(bmierr.BlockImageExists, childName)
	}

	s.factory.images[childName] = &image{
		name:      childName,
		snapshots: map[string]*snapshot{},
		parent:    &cloneOrigin{imageName: parentName, snapName: parentSnap},
	}
	return nil
}

func (s *memSession) Remove(ctx context.Context, name string) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()

	img, ok := s.factory.images[name]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, name)
	}
	if len(img.snapshots) > 0 {
		return bmierr.New(bmierr.BlockImageHasSnapshots, name)
	}
	for _, other := range s.factory.images {
		if other.parent != nil && other.parent.imageName == name {
			return bmierr.New(bmierr.BlockImageBusy, name)
		}
	}
	delete(s.factory.images, name)
	return nil
}

func (s *memSession) Write(ctx context.Context, name string, data []byte, offset int64) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	if _, ok := s.factory.images[name]; !ok {
		return bmierr.New(bmierr.BlockImageNotFound, name)
	}
	return nil
}

func (s *memSession) Read(ctx context.Context, name string, length int, offset int64) ([]byte, error) {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	if _, ok := s.factory.images[name]; !ok {
		return nil, bmierr.New(bmierr.BlockImageNotFound, name)
	}
	return make([]byte, length), nil
}

// SnapCreate emulates at-most-once snapshot creation: it rejects a
// duplicate snap name itself rather than ever calling into a lower layer
// known to leave broken state on a duplicate (spec §4.2, §9, grounded on
// ceph_wrapper.py's snap_image pre-check).
func (s *memSession) SnapCreate(ctx context.Context, name, snap string) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	img, ok := s.factory.images[name]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, name)
	}
	if _, exists := img.snapshots[snap]; exists {
		return bmierr.New(bmierr.BlockImageExists, snap)
	}
	img.snapshots[snap] = &snapshot{flattenedFrom: map[string]bool{}}
	return nil
}

func (s *memSession) SnapList(ctx context.Context, name string) ([]string, error) {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	img, ok := s.factory.images[name]
	if !ok {
		return nil, bmierr.New(bmierr.BlockImageNotFound, name)
	}
	names := make([]string, 0, len(img.snapshots))
	for n := range img.snapshots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memSession) SnapRemove(ctx context.Context, name, snap string) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	img, ok := s.factory.images[name]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, name)
	}
	sn, ok := img.snapshots[snap]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, snap)
	}
	if sn.protected {
		return bmierr.New(bmierr.BlockImageBusy, snap)
	}
	delete(img.snapshots, snap)
	return nil
}

func (s *memSession) SnapProtect(ctx context.Context, name, snap string) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	img, ok := s.factory.images[name]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, name)
	}
	sn, ok := img.snapshots[snap]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, snap)
	}
	sn.protected = true
	return nil
}

func (s *memSession) SnapUnprotect(ctx context.Context, name, snap string) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	img, ok := s.factory.images[name]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, name)
	}
	sn, ok := img.snapshots[snap]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, snap)
	}
	sn.protected = false
	return nil
}

// Flatten severs name's dependency on its parent snapshot, copying the
// referenced parent blocks in (spec Glossary: Flatten).
func (s *memSession) Flatten(ctx context.Context, name string) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	img, ok := s.factory.images[name]
	if !ok {
		return bmierr.New(bmierr.BlockImageNotFound, name)
	}
	if img.parent == nil {
		return nil
	}
	if parentImg, ok := s.factory.images[img.parent.imageName]; ok {
		if sn, ok := parentImg.snapshots[img.parent.snapName]; ok {
			sn.flattenedFrom[name] = true
		}
	}
	img.parent = nil
	return nil
}
