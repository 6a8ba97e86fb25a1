package iscsi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/bmi-project/bmi/internal/bmierr"
)

func TestClassifyOutputSuccess(t *testing.T) {
	if err := classifyOutput("iscsi update: SUCCESS\n", "", ActionCreate, "img1", nil); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestClassifyOutputFailureOnCreateIsNodeInUse(t *testing.T) {
	err := classifyOutput("iscsi update: FAILURE\n", "", ActionCreate, "img1", nil)
	if bmierr.KindOf(err) != bmierr.IscsiNodeInUse {
		t.Fatalf("expected ISCSI_NODE_IN_USE, got %v", err)
	}
}

func TestClassifyOutputFailureOnDeleteIsAlreadyUnmapped(t *testing.T) {
	err := classifyOutput("iscsi update: FAILURE\n", "", ActionDelete, "img1", nil)
	if bmierr.KindOf(err) != bmierr.IscsiNodeAlreadyUnmapped {
		t.Fatalf("expected ISCSI_NODE_ALREADY_UNMAPPED, got %v", err)
	}
}

func TestClassifyOutputUnrecognizedIsToolError(t *testing.T) {
	err := classifyOutput("kaboom\n", "trace", ActionCreate, "img1", errors.New("exit status 1"))
	if bmierr.KindOf(err) != bmierr.IscsiToolError {
		t.Fatalf("expected ISCSI_TOOL_ERROR, got %v", err)
	}
}

// TestHelperProcess is not itself a test: go test -run TestApply spawns
// the current test binary with BMI_WANT_HELPER_PROCESS=1 to stand in for
// the iscsi update tool, the same helper-process trick the standard
// library's own os/exec tests use to avoid shelling out to a real
// external program.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("BMI_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)
	fmt.Fprint(os.Stdout, os.Getenv("BMI_HELPER_STDOUT"))
	os.Exit(0)
}

func helperGateway(t *testing.T, stdout string) *ToolGateway {
	t.Helper()
	g := NewToolGateway(os.Args[0], nil)
	g.extraArgs = []string{"-test.run=TestHelperProcess", "--"}
	g.extraEnv = []string{"BMI_WANT_HELPER_PROCESS=1", "BMI_HELPER_STDOUT=" + stdout}
	return g
}

func TestApplyEndToEndSuccess(t *testing.T) {
	g := helperGateway(t, "iscsi update: SUCCESS\n")
	err := g.Apply(context.Background(), ActionCreate, "pool", "id", "img1", "keyring", "pw")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestApplyEndToEndNodeInUse(t *testing.T) {
	g := helperGateway(t, "iscsi update: FAILURE\n")
	err := g.Apply(context.Background(), ActionCreate, "pool", "id", "img1", "keyring", "pw")
	if bmierr.KindOf(err) != bmierr.IscsiNodeInUse {
		t.Fatalf("expected ISCSI_NODE_IN_USE, got %v", err)
	}
}
