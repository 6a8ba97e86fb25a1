package main

import (
	"fmt"
	"os"

	"code.cloudfoundry.org/clock"
	"github.com/bmi-project/bmi/internal/blockstore"
	"github.com/bmi-project/bmi/internal/bmi"
	"github.com/bmi-project/bmi/internal/bootfiles"
	"github.com/bmi-project/bmi/internal/catalog"
	"github.com/bmi-project/bmi/internal/config"
	"github.com/bmi-project/bmi/internal/fabric"
	"github.com/bmi-project/bmi/internal/iscsi"
	"github.com/bmi-project/bmi/internal/orchestrator"
	"github.com/sirupsen/logrus"
)

// environment holds every long-lived handle a command needs and their
// combined teardown, mirroring the Orchestrator's own scoped-acquisition
// discipline one level up at the process boundary.
type environment struct {
	Facade  *bmi.Facade
	Catalog *catalog.Catalog
}

func (e *environment) Close() error {
	return e.Catalog.Close()
}

func buildEnvironment(cfg *config.Config, logger *logrus.Entry) (*environment, error) {
	cat, err := catalog.Open(cfg.Catalog.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	bs, err := buildBlockStore(cfg)
	if err != nil {
		cat.Close()
		return nil, err
	}

	ipxeTemplate, err := os.ReadFile(cfg.Boot.IpxeTemplate)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("reading ipxe template: %w", err)
	}
	macTemplate, err := os.ReadFile(cfg.Boot.MacTemplate)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("reading mac template: %w", err)
	}
	boot := bootfiles.NewFileWriter(cfg.Boot.IpxeDir, cfg.Boot.PxelinuxDir, string(ipxeTemplate), string(macTemplate))

	fab := fabric.NewClient(cfg.Fabric.BaseURL, cfg.Fabric.Username, cfg.Fabric.Password)

	isc := iscsi.NewToolGateway(cfg.Iscsi.ToolPath, logger)

	orch := orchestrator.New(cat, bs, isc, fab, boot, clock.NewClock(), logger)
	orch.SettleDelay = cfg.Orchestrator.FabricSettleDelay
	if cfg.Orchestrator.CompensationRetries > 0 {
		orch.MaxRetries = uint(cfg.Orchestrator.CompensationRetries)
	}
	orch.Pool = cfg.BlockStore.Pool
	orch.KeyRing = cfg.Iscsi.KeyRing
	orch.AdminPassword = cfg.Iscsi.AdminPassword

	return &environment{Facade: bmi.New(orch), Catalog: cat}, nil
}

func buildBlockStore(cfg *config.Config) (blockstore.Factory, error) {
	switch cfg.BlockStore.Driver {
	case "", "mem":
		return blockstore.NewMemFactory(), nil
	case "zfs":
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating blockstore config: %w", err)
		}
		return blockstore.NewZFSFactory(cfg.BlockStore.Pool), nil
	default:
		return nil, fmt.Errorf("unknown blockstore driver %q", cfg.BlockStore.Driver)
	}
}
