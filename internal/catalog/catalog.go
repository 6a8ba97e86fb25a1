// Package catalog implements C1: the persistent Project/Image namespace,
// backed by an embedded go.etcd.io/bbolt database the way the teacher's
// daemon historically kept local metadata (e.g. the local volume driver)
// in a single-file, transactional, embedded store rather than reaching for
// an external RDBMS.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bmi-project/bmi/internal/bmierr"
	bolt "go.etcd.io/bbolt"
)

// Image kinds, spec §3.
const (
	KindUserUpload     = "USER_UPLOAD"
	KindProvisionClone = "PROVISION_CLONE"
	KindSnapshot       = "SNAPSHOT"
)

const storageNamePrefix = "img"

// StorageName is the deterministic storage-layer name for a catalog id,
// stable across Image renames because ids never change (spec §3).
func StorageName(id int64) string {
	return storageNamePrefix + strconv.FormatInt(id, 10)
}

// ParseStorageName inverts StorageName: strip the fixed three-character
// prefix and parse the remaining decimal digits.
func ParseStorageName(name string) (int64, error) {
	if !strings.HasPrefix(name, storageNamePrefix) {
		return 0, fmt.Errorf("%s: missing %q prefix", name, storageNamePrefix)
	}
	return strconv.ParseInt(name[len(storageNamePrefix):], 10, 64)
}

type Project struct {
	ID               int64
	Name             string
	ProvisionNetwork string
}

type Image struct {
	ID             int64
	Name           string
	ProjectID      int64
	Kind           string
	ParentID       *int64
	PublicSnapshot bool
}

var (
	bucketProjects     = []byte("projects")
	bucketProjectNames = []byte("project_names")
	bucketImages       = []byte("images")
	bucketProjectImage = []byte("project_image_names")
)

type Catalog struct {
	db *bolt.DB
}

// Open creates or reuses the bbolt database at path and ensures the
// required buckets exist.
func Open(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, bmierr.Wrap(bmierr.CatalogEngineError, "opening catalog database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProjects, bucketProjectNames, bucketImages, bucketProjectImage} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, bmierr.Wrap(bmierr.CatalogEngineError, "initializing catalog buckets", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func idFromKey(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}

func projectImageKey(projectID int64, name string) []byte {
	key := idKey(projectID)
	key = append(key, 0)
	return append(key, []byte(name)...)
}

// InsertProject creates a project, returning its assigned id. Fails with
// CATALOG_UNIQUE_VIOLATION when the name already exists.
func (c *Catalog) InsertProject(name, provisionNetwork string) (int64, error) {
	var id int64
	err := c.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketProjectNames)
		if names.Get([]byte(name)) != nil {
			return bmierr.New(bmierr.CatalogUniqueViolation, fmt.Sprintf("project %s already exists", name))
		}
		projects := tx.Bucket(bucketProjects)
		seq, err := projects.NextSequence()
		if err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "allocating project id", err)
		}
		id = int64(seq)
		p := Project{ID: id, Name: name, ProvisionNetwork: provisionNetwork}
		data, err := json.Marshal(p)
		if err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "encoding project", err)
		}
		if err := projects.Put(idKey(id), data); err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "writing project", err)
		}
		return names.Put([]byte(name), idKey(id))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteProjectByName is idempotent and cascades to every Image the
// project owns (spec §3: "destruction cascades to its images").
func (c *Catalog) DeleteProjectByName(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketProjectNames)
		idBytes := names.Get([]byte(name))
		if idBytes == nil {
			return nil
		}
		projectID := idFromKey(idBytes)

		images := tx.Bucket(bucketImages)
		projectImage := tx.Bucket(bucketProjectImage)
		prefix := idKey(projectID)
		cur := projectImage.Cursor()
		var toDelete [][]byte
		for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
			toDelete = append(toDelete, append([]byte{}, k...))
			if err := images.Delete(v); err != nil {
				return bmierr.Wrap(bmierr.CatalogEngineError, "cascading image delete", err)
			}
		}
		for _, k := range toDelete {
			if err := projectImage.Delete(k); err != nil {
				return bmierr.Wrap(bmierr.CatalogEngineError, "cascading image index delete", err)
			}
		}

		if err := tx.Bucket(bucketProjects).Delete(idBytes); err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "deleting project", err)
		}
		return names.Delete([]byte(name))
	})
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ProjectIDByName returns the project id and true, or (0, false) if the
// project does not exist.
func (c *Catalog) ProjectIDByName(name string) (int64, bool, error) {
	var id int64
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketProjectNames).Get([]byte(name))
		if idBytes == nil {
			return nil
		}
		id, found = idFromKey(idBytes), true
		return nil
	})
	return id, found, err
}

// ProjectByName fetches the full project row, used by callers that need
// fields beyond the id (e.g. the orchestrator's provisionNetwork lookup
// for fabric detach).
func (c *Catalog) ProjectByName(name string) (Project, bool, error) {
	var p Project
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketProjectNames).Get([]byte(name))
		if idBytes == nil {
			return nil
		}
		data := tx.Bucket(bucketProjects).Get(idBytes)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		found = true
		return nil
	})
	return p, found, err
}

// InsertImage creates an image row, enforcing (projectId, name) uniqueness
// and parentId referential integrity (spec §4.1).
func (c *Catalog) InsertImage(name string, projectID int64, kind string, parentID *int64, publicSnapshot bool) (int64, error) {
	var id int64
	err := c.db.Update(func(tx *bolt.Tx) error {
		projectImage := tx.Bucket(bucketProjectImage)
		key := projectImageKey(projectID, name)
		if projectImage.Get(key) != nil {
			return bmierr.New(bmierr.CatalogUniqueViolation, fmt.Sprintf("image %s already exists in project", name))
		}
		images := tx.Bucket(bucketImages)
		if parentID != nil {
			if images.Get(idKey(*parentID)) == nil {
				return bmierr.New(bmierr.CatalogFKViolation, fmt.Sprintf("parent image %d does not exist", *parentID))
			}
		}
		seq, err := images.NextSequence()
		if err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "allocating image id", err)
		}
		id = int64(seq)
		img := Image{ID: id, Name: name, ProjectID: projectID, Kind: kind, ParentID: parentID, PublicSnapshot: publicSnapshot}
		data, err := json.Marshal(img)
		if err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "encoding image", err)
		}
		if err := images.Put(idKey(id), data); err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "writing image", err)
		}
		return projectImage.Put(key, idKey(id))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RenameImage moves an existing image's (projectId, name) index entry to
// newName and updates its stored Name field to match, in one transaction.
// Used to promote a provisioning clone's staging name to its final
// node-keyed name only after every external system has accepted it, so a
// second attempt racing the first never collides on the committed name
// before it has earned it (spec §4.6).
func (c *Catalog) RenameImage(oldName, newName string, projectID int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		projectImage := tx.Bucket(bucketProjectImage)
		oldKey := projectImageKey(projectID, oldName)
		idBytes := projectImage.Get(oldKey)
		if idBytes == nil {
			return bmierr.New(bmierr.CatalogFKViolation, fmt.Sprintf("image %s does not exist in project", oldName))
		}
		newKey := projectImageKey(projectID, newName)
		if projectImage.Get(newKey) != nil {
			return bmierr.New(bmierr.CatalogUniqueViolation, fmt.Sprintf("image %s already exists in project", newName))
		}

		images := tx.Bucket(bucketImages)
		data := images.Get(idBytes)
		var img Image
		if err := json.Unmarshal(data, &img); err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "decoding image", err)
		}
		img.Name = newName
		encoded, err := json.Marshal(img)
		if err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "encoding image", err)
		}
		if err := images.Put(idBytes, encoded); err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "writing image", err)
		}
		if err := projectImage.Delete(oldKey); err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "deleting old image index entry", err)
		}
		return projectImage.Put(newKey, idBytes)
	})
}

// ImageIDByNameInProject returns the image id and true, or (0, false).
func (c *Catalog) ImageIDByNameInProject(name string, projectID int64) (int64, bool, error) {
	var id int64
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketProjectImage).Get(projectImageKey(projectID, name))
		if idBytes == nil {
			return nil
		}
		id, found = idFromKey(idBytes), true
		return nil
	})
	return id, found, err
}

// ImageNameByID returns the image's current name and true, or ("", false).
func (c *Catalog) ImageNameByID(id int64) (string, bool) {
	var name string
	var found bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketImages).Get(idKey(id))
		if data == nil {
			return nil
		}
		var img Image
		if err := json.Unmarshal(data, &img); err != nil {
			return nil
		}
		name, found = img.Name, true
		return nil
	})
	return name, found
}

// ImageByID fetches the full row, used by the orchestrator to resolve an
// image's storage name and kind.
func (c *Catalog) ImageByID(id int64) (Image, bool, error) {
	var img Image
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketImages).Get(idKey(id))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &img); err != nil {
			return err
		}
		found = true
		return nil
	})
	return img, found, err
}

// DeleteImageByNameInProject is idempotent.
func (c *Catalog) DeleteImageByNameInProject(name string, projectID int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		projectImage := tx.Bucket(bucketProjectImage)
		key := projectImageKey(projectID, name)
		idBytes := projectImage.Get(key)
		if idBytes == nil {
			return nil
		}
		if err := tx.Bucket(bucketImages).Delete(idBytes); err != nil {
			return bmierr.Wrap(bmierr.CatalogEngineError, "deleting image", err)
		}
		return projectImage.Delete(key)
	})
}

// ImagesInProject returns every image name visible in the project's
// namespace, regardless of kind.
func (c *Catalog) ImagesInProject(projectID int64) ([]string, error) {
	return c.namesInProject(projectID, nil)
}

// SnapshotsInProject returns only the names of kind=SNAPSHOT images.
func (c *Catalog) SnapshotsInProject(projectID int64) ([]string, error) {
	want := KindSnapshot
	return c.namesInProject(projectID, &want)
}

func (c *Catalog) namesInProject(projectID int64, kindFilter *string) ([]string, error) {
	var names []string
	err := c.db.View(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		cur := tx.Bucket(bucketProjectImage).Cursor()
		prefix := idKey(projectID)
		for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
			data := images.Get(v)
			if data == nil {
				continue
			}
			var img Image
			if err := json.Unmarshal(data, &img); err != nil {
				return err
			}
			if kindFilter != nil && img.Kind != *kindFilter {
				continue
			}
			names = append(names, img.Name)
		}
		return nil
	})
	return names, err
}
