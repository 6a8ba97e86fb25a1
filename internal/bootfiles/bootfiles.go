// Package bootfiles implements C5: generating per-node iPXE scripts and
// per-MAC PXELINUX config files that point a booting node at its iSCSI
// LUN (spec §4.5, §6).
package bootfiles

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmi-project/bmi/internal/bmierr"
	"github.com/moby/sys/atomicwriter"
)

const (
	ipxeFileMode = 0o755
	macFileMode  = 0o644

	placeholderIpxeTarget = "{{IPXE_TARGET_NAME}}"
	placeholderMacImg     = "{{MAC_IMG_NAME}}"
	placeholderMacIpxe    = "{{MAC_IPXE_NAME}}"
)

// Writer is the BootArtifacts capability from spec §4.5.
type Writer interface {
	WriteIpxe(ctx context.Context, nodeName, lunTarget string) (string, error)
	WriteMacFile(ctx context.Context, storageName, ipxeFilename, mac string) error
	Remove(ctx context.Context, nodeName, mac string) error
}

// FileWriter renders templates loaded once at construction time and
// writes the results under IpxeDir/PxelinuxDir with atomic replace
// semantics, so a crash mid-write never leaves a half-written boot file
// a node could network-boot from.
type FileWriter struct {
	IpxeDir     string
	PxelinuxDir string

	IpxeTemplate string
	MacTemplate  string
}

func NewFileWriter(ipxeDir, pxelinuxDir, ipxeTemplate, macTemplate string) *FileWriter {
	return &FileWriter{
		IpxeDir:      ipxeDir,
		PxelinuxDir:  pxelinuxDir,
		IpxeTemplate: ipxeTemplate,
		MacTemplate:  macTemplate,
	}
}

// NormalizeMAC converts a colon-delimited MAC into the dashed, lowercase,
// "01-"-prefixed form PXELINUX expects for its per-NIC config filenames
// (spec §6: `"01-" + replace(mac, ":", "-")`).
func NormalizeMAC(mac string) string {
	return "01-" + strings.ReplaceAll(strings.ToLower(mac), ":", "-")
}

func (w *FileWriter) WriteIpxe(ctx context.Context, nodeName, lunTarget string) (string, error) {
	content := strings.NewReplacer(placeholderIpxeTarget, lunTarget).Replace(w.IpxeTemplate)
	filename := nodeName + ".ipxe"
	path := filepath.Join(w.IpxeDir, filename)
	if err := atomicwriter.WriteFile(path, []byte(content), ipxeFileMode); err != nil {
		return "", bmierr.Wrap(bmierr.BootIOError, "writing ipxe file "+path, err)
	}
	return filename, nil
}

func (w *FileWriter) WriteMacFile(ctx context.Context, storageName, ipxeFilename, mac string) error {
	content := strings.NewReplacer(
		placeholderMacImg, storageName,
		placeholderMacIpxe, ipxeFilename,
	).Replace(w.MacTemplate)
	path := filepath.Join(w.PxelinuxDir, NormalizeMAC(mac))
	if err := atomicwriter.WriteFile(path, []byte(content), macFileMode); err != nil {
		return bmierr.Wrap(bmierr.BootIOError, "writing mac file "+path, err)
	}
	return nil
}

// Remove deletes both boot artifacts for a node. Either or both files may
// already be absent (a retried or partially-compensated deprovision), so
// a missing file is not an error.
func (w *FileWriter) Remove(ctx context.Context, nodeName, mac string) error {
	ipxePath := filepath.Join(w.IpxeDir, nodeName+".ipxe")
	if err := os.Remove(ipxePath); err != nil && !os.IsNotExist(err) {
		return bmierr.Wrap(bmierr.BootIOError, "removing ipxe file "+ipxePath, err)
	}
	macPath := filepath.Join(w.PxelinuxDir, NormalizeMAC(mac))
	if err := os.Remove(macPath); err != nil && !os.IsNotExist(err) {
		return bmierr.Wrap(bmierr.BootIOError, "removing mac file "+macPath, err)
	}
	return nil
}
