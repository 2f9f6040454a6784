// Package config loads distctl's CLI configuration: defaults from an
// optional TOML file, overridden by command-line flags, then validated
// before the driver runs.
package config

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds everything needed to run one deploy invocation.
type Config struct {
	OldManifestPath string `toml:"old_manifest_path"`
	NewManifestPath string `toml:"new_manifest_path"`
	ProfileName     string `toml:"profile_name"`

	CoordinatorProfileDir  string `toml:"coordinator_profile_dir"`
	MaxConcurrentTransfers int64  `toml:"max_concurrent_transfers"`
	Keep                   int    `toml:"keep"`

	NoLock                  bool `toml:"no_lock"`
	NoMigration             bool `toml:"no_migration"`
	NoUpgrade               bool `toml:"no_upgrade"`
	DeleteOld               bool `toml:"delete_old"`
	SetNoTargetProfiles     bool `toml:"set_no_target_profiles"`
	SetNoCoordinatorProfile bool `toml:"set_no_coordinator_profile"`

	SSHUser           string `toml:"ssh_user"`
	SSHPrivateKeyPath string `toml:"ssh_private_key_path"`
	SSHAgentPath      string `toml:"ssh_agent_path"`

	K8sAgentPath string `toml:"k8s_agent_path"`

	AzureSubscriptionID string `toml:"azure_subscription_id"`
	AzureResourceGroup  string `toml:"azure_resource_group"`
	AzureAgentPath      string `toml:"azure_agent_path"`

	TailscaleAPIKey  string `toml:"tailscale_api_key"`
	TailscaleTailnet string `toml:"tailscale_tailnet"`
}

// ValidationError is a single actionable configuration problem.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found by Validate, rather than
// failing fast on the first one.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (errs ValidationErrors) HasErrors() bool { return len(errs) > 0 }

var guidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Validate checks the fields the driver cannot proceed without, plus the
// format of a few that would otherwise fail deep inside a phase.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.NewManifestPath == "" {
		errs = append(errs, ValidationError{
			Field:   "new-manifest",
			Message: "required but not provided",
			Hint:    "set via --new-manifest or new_manifest_path in the config file",
		})
	}
	if c.ProfileName == "" {
		errs = append(errs, ValidationError{
			Field:   "profile",
			Message: "required but not provided",
			Hint:    "set via --profile, e.g. 'default'",
		})
	}
	if c.CoordinatorProfileDir == "" {
		errs = append(errs, ValidationError{
			Field:   "coordinator-profile-dir",
			Message: "required but not provided",
			Hint:    "set via --coordinator-profile-dir",
		})
	}
	if c.Keep < 0 {
		errs = append(errs, ValidationError{
			Field:   "keep",
			Message: "must not be negative",
		})
	}
	if c.AzureSubscriptionID != "" && !guidPattern.MatchString(c.AzureSubscriptionID) {
		errs = append(errs, ValidationError{
			Field:   "azure-subscription-id",
			Message: fmt.Sprintf("invalid format %q", c.AzureSubscriptionID),
			Hint:    "must be a GUID like 'xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx'",
		})
	}
	return errs
}

// Load builds a Config from an optional TOML file (tomlPath, skipped when
// empty) and then overlays flag values parsed from args. Flags always win
// over the file; the file always wins over the struct's zero values.
func Load(tomlPath string, args []string) (*Config, error) {
	cfg := &Config{
		Keep:                   1,
		MaxConcurrentTransfers: 4,
		ProfileName:            "default",
		SSHUser:                "root",
		SSHAgentPath:           "distctl-agent",
		K8sAgentPath:           "distctl-agent",
		AzureAgentPath:         "distctl-agent",
	}

	if tomlPath != "" {
		if _, err := toml.DecodeFile(tomlPath, cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", tomlPath, err)
		}
	}

	fs := flag.NewFlagSet("distctl", flag.ContinueOnError)
	fs.StringVar(&cfg.OldManifestPath, "old-manifest", cfg.OldManifestPath, "path to the previous manifest XML (omit for a fresh deploy)")
	fs.StringVar(&cfg.NewManifestPath, "new-manifest", cfg.NewManifestPath, "path to the desired manifest XML")
	fs.StringVar(&cfg.ProfileName, "profile", cfg.ProfileName, "profile name to lock, activate under and publish")
	fs.StringVar(&cfg.CoordinatorProfileDir, "coordinator-profile-dir", cfg.CoordinatorProfileDir, "directory holding the coordinator's own profile symlinks")
	fs.Int64Var(&cfg.MaxConcurrentTransfers, "max-concurrent-transfers", cfg.MaxConcurrentTransfers, "global cap on in-flight remote operations across all targets")
	fs.IntVar(&cfg.Keep, "keep", cfg.Keep, "snapshot generations to retain per (component, container)")
	fs.BoolVar(&cfg.NoLock, "no-lock", cfg.NoLock, "skip the lock/unlock phases")
	fs.BoolVar(&cfg.NoMigration, "no-migration", cfg.NoMigration, "skip the migrate phase")
	fs.BoolVar(&cfg.NoUpgrade, "no-upgrade", cfg.NoUpgrade, "treat the old manifest as empty")
	fs.BoolVar(&cfg.DeleteOld, "delete-old", cfg.DeleteOld, "remove old profile generations after a successful deploy")
	fs.BoolVar(&cfg.SetNoTargetProfiles, "set-no-target-profiles", cfg.SetNoTargetProfiles, "skip publishing per-target profiles")
	fs.BoolVar(&cfg.SetNoCoordinatorProfile, "set-no-coordinator-profile", cfg.SetNoCoordinatorProfile, "skip publishing the coordinator profile symlink")
	fs.StringVar(&cfg.SSHUser, "ssh-user", cfg.SSHUser, "user for the ssh client-interface backend")
	fs.StringVar(&cfg.SSHPrivateKeyPath, "ssh-private-key", cfg.SSHPrivateKeyPath, "private key path for the ssh client-interface backend")
	fs.StringVar(&cfg.AzureSubscriptionID, "azure-subscription-id", cfg.AzureSubscriptionID, "subscription ID for the azurerun client-interface backend")
	fs.StringVar(&cfg.AzureResourceGroup, "azure-resource-group", cfg.AzureResourceGroup, "resource group for the azurerun client-interface backend")
	fs.StringVar(&cfg.TailscaleAPIKey, "tailscale-api-key", cfg.TailscaleAPIKey, "API key for tailnet device-name resolution (defaults to TAILSCALE_API_KEY)")
	fs.StringVar(&cfg.TailscaleTailnet, "tailscale-tailnet", cfg.TailscaleTailnet, "tailnet name for tailnet device-name resolution")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.TailscaleAPIKey == "" {
		cfg.TailscaleAPIKey = os.Getenv("TAILSCALE_API_KEY")
	}

	return cfg, nil
}
