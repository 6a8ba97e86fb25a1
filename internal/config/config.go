// Package config loads and merges the BMI orchestrator's TOML configuration
// file with command-line flag overrides, the way the teacher's
// daemon/config.MergeDaemonConfigurations layers file config under
// explicit flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/bmi-project/bmi/internal/bmierr"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// CatalogConfig points at the embedded bbolt database backing C1.
type CatalogConfig struct {
	DBPath string `toml:"db_path"`
}

// BlockStoreConfig carries the three required session keys from spec §6,
// repurposed onto a ZFS pool (see SPEC_FULL.md §3).
type BlockStoreConfig struct {
	Driver   string `toml:"driver"` // "mem" or "zfs"; empty defaults to "mem"
	ID       string `toml:"id"`
	ConfFile string `toml:"conffile"`
	Pool     string `toml:"pool"`
}

// IscsiConfig carries the positional arguments the update tool is invoked
// with, minus the per-call storage name and action.
type IscsiConfig struct {
	ToolPath      string `toml:"tool_path"`
	KeyRing       string `toml:"key_ring"`
	AdminPassword string `toml:"admin_password"`
}

// FabricConfig is the HaaS-equivalent cluster-fabric controller endpoint,
// authenticated with a fixed service-account credential distinct from the
// per-operator credentials bmi.Facade decodes at the request boundary.
type FabricConfig struct {
	BaseURL  string `toml:"base_url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// BootConfig is the on-disk layout for PXE/iPXE artifacts (spec §6).
type BootConfig struct {
	IpxeDir     string `toml:"ipxe_dir"`
	PxelinuxDir string `toml:"pxelinux_dir"`
	IpxeTemplate string `toml:"ipxe_template"`
	MacTemplate  string `toml:"mac_template"`
}

// OrchestratorConfig tunes the compensation machinery (§4.6, §9).
type OrchestratorConfig struct {
	FabricSettleDelay   time.Duration `toml:"fabric_settle_delay"`
	CompensationRetries int           `toml:"compensation_retries"`
}

// LoggingConfig controls the ambient logrus setup (SPEC_FULL.md §4.8).
type LoggingConfig struct {
	Level   string `toml:"level"`
	JSON    bool   `toml:"json"`
	Verbose bool   `toml:"verbose"`
}

type Config struct {
	Catalog      CatalogConfig      `toml:"catalog"`
	BlockStore   BlockStoreConfig   `toml:"blockstore"`
	Iscsi        IscsiConfig        `toml:"iscsi"`
	Fabric       FabricConfig       `toml:"fabric"`
	Boot         BootConfig         `toml:"boot"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Logging      LoggingConfig      `toml:"logging"`
}

// Default returns a Config with the same baseline values a fresh
// bmictl install would ship, before any file or flag is applied.
func Default() *Config {
	return &Config{
		Catalog: CatalogConfig{DBPath: "/var/lib/bmi/catalog.db"},
		Boot: BootConfig{
			IpxeDir:      "/var/lib/bmi/ipxe/",
			PxelinuxDir:  "/var/lib/bmi/pxelinux.cfg/",
			IpxeTemplate: "/etc/bmi/ipxe.tmpl",
			MacTemplate:  "/etc/bmi/mac.tmpl",
		},
		Orchestrator: OrchestratorConfig{
			FabricSettleDelay:   30 * time.Second,
			CompensationRetries: 3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path as TOML into a copy of base and returns the merged
// result. A missing path is not an error when path is empty (no config
// file configured); a read failure is returned verbatim, mirroring
// MergeDaemonConfigurations returning the raw os.IsNotExist-able error for
// the caller to inspect, and a parse failure is wrapped with the file path.
func Load(base *Config, path string) (*Config, error) {
	cfg := *base
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	return &cfg, nil
}

// BindFlags registers CLI overrides for the handful of settings an
// operator most commonly wants to override without editing the TOML file.
// Flags take precedence over file values: call ApplyFlags after Load.
func BindFlags(fs *pflag.FlagSet) *pflag.FlagSet {
	fs.String("catalog-db", "", "override catalog.db_path")
	fs.String("blockstore-pool", "", "override blockstore.pool")
	fs.String("fabric-url", "", "override fabric.base_url")
	fs.String("log-level", "", "override logging.level")
	fs.Bool("log-json", false, "override logging.json")
	return fs
}

// ApplyFlags layers explicit flag values on top of cfg, leaving cfg
// untouched for any flag the operator didn't set (pflag.Changed).
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) {
	if fs.Changed("catalog-db") {
		cfg.Catalog.DBPath, _ = fs.GetString("catalog-db")
	}
	if fs.Changed("blockstore-pool") {
		cfg.BlockStore.Pool, _ = fs.GetString("blockstore-pool")
	}
	if fs.Changed("fabric-url") {
		cfg.Fabric.BaseURL, _ = fs.GetString("fabric-url")
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level, _ = fs.GetString("log-level")
	}
	if fs.Changed("log-json") {
		cfg.Logging.JSON, _ = fs.GetBool("log-json")
	}
}

// Validate enforces the BlockStore session's required-key contract from
// spec §6/§4.2 __validate: a missing key is CONFIG_MISSING, an
// unreadable conf path is CONFIG_INVALID, mirroring ceph_wrapper.py's own
// split between the two failure modes.
func (c *Config) Validate() error {
	if c.BlockStore.ID == "" {
		return bmierr.New(bmierr.BlockConfigMissing, "blockstore.id is required")
	}
	if c.BlockStore.Pool == "" {
		return bmierr.New(bmierr.BlockConfigMissing, "blockstore.pool is required")
	}
	if c.BlockStore.ConfFile == "" {
		return bmierr.New(bmierr.BlockConfigMissing, "blockstore.conffile is required")
	}
	info, err := os.Stat(c.BlockStore.ConfFile)
	if err != nil {
		return bmierr.Wrap(bmierr.BlockConfigInvalid, fmt.Sprintf("blockstore.conffile %s is not accessible", c.BlockStore.ConfFile), err)
	}
	if info.IsDir() {
		return bmierr.New(bmierr.BlockConfigInvalid, fmt.Sprintf("blockstore.conffile %s is a directory", c.BlockStore.ConfFile))
	}
	f, err := os.Open(c.BlockStore.ConfFile)
	if err != nil {
		return bmierr.Wrap(bmierr.BlockConfigInvalid, fmt.Sprintf("blockstore.conffile %s is not readable", c.BlockStore.ConfFile), err)
	}
	f.Close()
	return nil
}
