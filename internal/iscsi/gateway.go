// Package iscsi implements C3: publishing/unpublishing a block image as an
// iSCSI LUN by shelling out to the cluster's update tool, exactly the
// shape of ceph_wrapper.py's __call_shellscript helper in operations.py —
// the orchestrator never assumes the concrete mechanism (spec §4.3, §9).
package iscsi

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/bmi-project/bmi/internal/bmierr"
	"github.com/sirupsen/logrus"
)

// Action is the iSCSI update tool's positional action argument.
type Action string

const (
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
)

const (
	successSentinel = "SUCCESS"
	failureSentinel = "FAILURE"
)

// Gateway is the single apply operation from spec §4.3.
type Gateway interface {
	Apply(ctx context.Context, action Action, pool, identity, storageName, keyRing, adminPassword string) error
}

// ToolGateway shells out to the configured update-tool binary with the
// exact positional argument order from spec §6:
// (keyRing, id, pool, storageName, action, adminPassword).
type ToolGateway struct {
	ToolPath string
	Logger   *logrus.Entry

	// extraArgs/extraEnv are a test seam letting the package's own tests
	// run the real Apply code path against a helper-process stand-in for
	// the tool binary instead of a live iscsi update script.
	extraArgs []string
	extraEnv  []string
}

func NewToolGateway(toolPath string, logger *logrus.Entry) *ToolGateway {
	return &ToolGateway{ToolPath: toolPath, Logger: logger}
}

func (g *ToolGateway) Apply(ctx context.Context, action Action, pool, identity, storageName, keyRing, adminPassword string) error {
	log := g.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("storage_name", storageName).WithField("action", action)

	log.Debug("invoking iscsi update tool")
	args := append(append([]string{}, g.extraArgs...), keyRing, identity, pool, storageName, string(action), adminPassword)
	cmd := exec.CommandContext(ctx, g.ToolPath, args...)
	if len(g.extraEnv) > 0 {
		cmd.Env = append(os.Environ(), g.extraEnv...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out := stdout.String()
	log.WithField("stdout", out).WithField("stderr", stderr.String()).Debug("iscsi update tool returned")

	return classifyOutput(out, stderr.String(), action, storageName, runErr)
}

// classifyOutput applies the sentinel-substring detection from spec §4.3:
// SUCCESS means the action applied, FAILURE means an already-in-use node
// (CREATE) or an already-unmapped node (DELETE), anything else is an
// internal gateway error. Split out from Apply so it can be exercised
// directly without spawning a subprocess.
func classifyOutput(stdout, stderr string, action Action, storageName string, runErr error) error {
	switch {
	case strings.Contains(stdout, successSentinel):
		return nil
	case strings.Contains(stdout, failureSentinel):
		if action == ActionCreate {
			return bmierr.New(bmierr.IscsiNodeInUse, storageName)
		}
		return bmierr.New(bmierr.IscsiNodeAlreadyUnmapped, storageName)
	default:
		msg := stdout
		if msg == "" {
			msg = stderr
		}
		return bmierr.Wrap(bmierr.IscsiToolError, msg, runErr)
	}
}
