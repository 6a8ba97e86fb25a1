package catalog

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/bmi-project/bmi/internal/bmierr"
)

func open(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStorageNameRoundTrip(t *testing.T) {
	for _, id := range []int64{0, 1, 42, 123456789} {
		name := StorageName(id)
		got, err := ParseStorageName(name)
		if err != nil {
			t.Fatalf("ParseStorageName(%s): %v", name, err)
		}
		if got != id {
			t.Fatalf("round trip mismatch: %d -> %s -> %d", id, name, got)
		}
	}
}

func TestInsertProjectUniqueness(t *testing.T) {
	c := open(t)
	if _, err := c.InsertProject("bmi_infra", "bmi-provision"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := c.InsertProject("bmi_infra", "bmi-provision")
	if bmierr.KindOf(err) != bmierr.CatalogUniqueViolation {
		t.Fatalf("expected CATALOG_UNIQUE_VIOLATION, got %v", err)
	}
}

func TestProjectByNameReturnsFullRow(t *testing.T) {
	c := open(t)
	id, err := c.InsertProject("bmi_infra", "vlan/native")
	if err != nil {
		t.Fatal(err)
	}
	p, ok, err := c.ProjectByName("bmi_infra")
	if err != nil || !ok {
		t.Fatalf("expected found, ok=%v err=%v", ok, err)
	}
	if p.ID != id || p.Name != "bmi_infra" || p.ProvisionNetwork != "vlan/native" {
		t.Fatalf("unexpected project row: %+v", p)
	}
}

func TestProjectByNameMissing(t *testing.T) {
	c := open(t)
	_, ok, err := c.ProjectByName("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected not found")
	}
}

func TestProjectIDByNameMissing(t *testing.T) {
	c := open(t)
	_, found, err := c.ProjectIDByName("nope")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("expected not found")
	}
}

func TestDeleteProjectCascadesImages(t *testing.T) {
	c := open(t)
	pid, err := c.InsertProject("bmi_infra", "bmi-provision")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.InsertImage("hadoopMaster.img", pid, KindUserUpload, nil, false); err != nil {
		t.Fatal(err)
	}

	if err := c.DeleteProjectByName("bmi_infra"); err != nil {
		t.Fatal(err)
	}

	if _, found, _ := c.ImageIDByNameInProject("hadoopMaster.img", pid); found {
		t.Fatalf("expected image to be cascaded away with its project")
	}
}

func TestDeleteProjectByNameIdempotent(t *testing.T) {
	c := open(t)
	if err := c.DeleteProjectByName("never-existed"); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestInsertImageUniquenessPerProject(t *testing.T) {
	c := open(t)
	pid, _ := c.InsertProject("bmi_infra", "bmi-provision")
	if _, err := c.InsertImage("hadoopMaster.img", pid, KindUserUpload, nil, false); err != nil {
		t.Fatal(err)
	}
	_, err := c.InsertImage("hadoopMaster.img", pid, KindUserUpload, nil, false)
	if bmierr.KindOf(err) != bmierr.CatalogUniqueViolation {
		t.Fatalf("expected CATALOG_UNIQUE_VIOLATION, got %v", err)
	}

	other, _ := c.InsertProject("other_project", "other-net")
	if _, err := c.InsertImage("hadoopMaster.img", other, KindUserUpload, nil, false); err != nil {
		t.Fatalf("same name in a different project should be allowed: %v", err)
	}
}

func TestInsertImageFKViolationOnBadParent(t *testing.T) {
	c := open(t)
	pid, _ := c.InsertProject("bmi_infra", "bmi-provision")
	bogus := int64(9999)
	_, err := c.InsertImage("clone.img", pid, KindProvisionClone, &bogus, false)
	if bmierr.KindOf(err) != bmierr.CatalogFKViolation {
		t.Fatalf("expected CATALOG_FK_VIOLATION, got %v", err)
	}
}

func TestInsertImageFailureLeavesStoreUnchanged(t *testing.T) {
	c := open(t)
	pid, _ := c.InsertProject("bmi_infra", "bmi-provision")
	if _, err := c.InsertImage("hadoopMaster.img", pid, KindUserUpload, nil, false); err != nil {
		t.Fatal(err)
	}
	before, err := c.ImagesInProject(pid)
	if err != nil {
		t.Fatal(err)
	}

	bogus := int64(9999)
	if _, err := c.InsertImage("another.img", pid, KindProvisionClone, &bogus, false); err == nil {
		t.Fatalf("expected the FK violation")
	}

	after, err := c.ImagesInProject(pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("failed insert should not have left a partial row: before=%v after=%v", before, after)
	}
}

func TestImageNameByID(t *testing.T) {
	c := open(t)
	pid, _ := c.InsertProject("bmi_infra", "bmi-provision")
	id, err := c.InsertImage("hadoopMaster.img", pid, KindUserUpload, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	name, ok := c.ImageNameByID(id)
	if !ok || name != "hadoopMaster.img" {
		t.Fatalf("got (%q, %v)", name, ok)
	}
	if _, ok := c.ImageNameByID(424242); ok {
		t.Fatalf("expected not found for unknown id")
	}
}

func TestSnapshotsInProjectFiltersKind(t *testing.T) {
	c := open(t)
	pid, _ := c.InsertProject("bmi_infra", "bmi-provision")
	if _, err := c.InsertImage("hadoopMaster.img", pid, KindUserUpload, nil, false); err != nil {
		t.Fatal(err)
	}
	parentID, _ := c.ImageIDByNameInProject("hadoopMaster.img", pid)
	if _, err := c.InsertImage("blblb1", pid, KindSnapshot, &parentID, true); err != nil {
		t.Fatal(err)
	}

	snaps, err := c.SnapshotsInProject(pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0] != "blblb1" {
		t.Fatalf("expected only the snapshot, got %v", snaps)
	}

	all, err := c.ImagesInProject(pid)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(all)
	if len(all) != 2 {
		t.Fatalf("expected both images visible in project namespace, got %v", all)
	}
}

func TestDeleteImageByNameInProjectIdempotent(t *testing.T) {
	c := open(t)
	pid, _ := c.InsertProject("bmi_infra", "bmi-provision")
	if err := c.DeleteImageByNameInProject("never-existed.img", pid); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}
