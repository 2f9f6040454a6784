// Command distctl drives one deployment of a manifest across its targets:
// distribute closures, lock, activate services, migrate mutable state,
// publish profiles, unlock. See internal/deploy for the phase pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/distctl/distctl/internal/config"
	"github.com/distctl/distctl/internal/deploy"
	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/tailnet"
	"github.com/distctl/distctl/internal/transport"
	"github.com/distctl/distctl/internal/transport/azurerun"
	"github.com/distctl/distctl/internal/transport/k8sexec"
	"github.com/distctl/distctl/internal/transport/sshclient"

	"k8s.io/client-go/tools/clientcmd"
)

var log = ctrl.Log.WithName("distctl")

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a TOML config file (flags below override it)")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)

	// config.Load parses its own flag set, but -config and the zap flags
	// must come off flag.CommandLine first so -h lists everything.
	flag.Parse()
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := config.Load(configPath, os.Args[1:])
	if err != nil {
		log.Error(err, "failed to load configuration")
		os.Exit(1)
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		log.Error(errs, "invalid configuration")
		os.Exit(1)
	}

	status, err := run(context.Background(), cfg, log)
	fmt.Println(status)
	if err != nil {
		log.Error(err, "deploy did not complete cleanly")
	}
	if status != deploy.OK {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logr.Logger) (deploy.Status, error) {
	loader := manifest.XMLLoader{}

	newManifest, err := loader.Load(cfg.NewManifestPath)
	if err != nil {
		return deploy.FAIL, fmt.Errorf("load new manifest: %w", err)
	}

	var oldManifest *manifest.Manifest
	if cfg.OldManifestPath != "" {
		oldManifest, err = loader.Load(cfg.OldManifestPath)
		if err != nil {
			return deploy.FAIL, fmt.Errorf("load old manifest: %w", err)
		}
	}

	if err := resolveAddresses(ctx, cfg, newManifest); err != nil {
		return deploy.FAIL, fmt.Errorf("resolve target addresses: %w", err)
	}
	if oldManifest != nil {
		if err := resolveAddresses(ctx, cfg, oldManifest); err != nil {
			return deploy.FAIL, fmt.Errorf("resolve target addresses: %w", err)
		}
	}

	executor, err := buildExecutor(cfg)
	if err != nil {
		return deploy.FAIL, fmt.Errorf("build transport executor: %w", err)
	}

	var flags deploy.Flags
	if cfg.NoLock {
		flags |= deploy.NoLock
	}
	if cfg.NoMigration {
		flags |= deploy.NoMigration
	}
	if cfg.NoUpgrade {
		flags |= deploy.NoUpgrade
	}
	if cfg.DeleteOld {
		flags |= deploy.DeleteOld
	}
	if cfg.SetNoTargetProfiles {
		flags |= deploy.SetNoTargetProfiles
	}
	if cfg.SetNoCoordinatorProfile {
		flags |= deploy.SetNoCoordinatorProfile
	}

	return deploy.Run(ctx, deploy.Config{
		Executor:               executor,
		OldManifestPath:        cfg.OldManifestPath,
		NewManifestPath:        cfg.NewManifestPath,
		NewManifest:            newManifest,
		OldManifest:            oldManifest,
		ProfileName:            cfg.ProfileName,
		CoordinatorProfileDir:  cfg.CoordinatorProfileDir,
		MaxConcurrentTransfers: cfg.MaxConcurrentTransfers,
		Keep:                   cfg.Keep,
		Flags:                  flags,
		Logger:                 log,
	})
}

// resolveAddresses fills in any Target whose Address is empty but whose
// TailnetDevice is set, by querying the Tailscale API once per unique
// device name.
func resolveAddresses(ctx context.Context, cfg *config.Config, m *manifest.Manifest) error {
	var resolver *tailnet.Resolver
	for _, t := range m.Targets {
		if t.Address != "" || t.TailnetDevice == "" {
			continue
		}
		if resolver == nil {
			var err error
			resolver, err = tailnet.New(cfg.TailscaleAPIKey, cfg.TailscaleTailnet)
			if err != nil {
				return err
			}
		}
		addr, err := tailnet.ResolveTargetAddress(ctx, resolver, t.Address, t.TailnetDevice)
		if err != nil {
			return fmt.Errorf("resolve target %s: %w", t.Name, err)
		}
		t.Address = addr
	}
	return nil
}

// buildExecutor wires one transport.ClientInterface backend per supported
// client interface; a manifest target only needs the backend matching its
// own ClientInterface to exist.
func buildExecutor(cfg *config.Config) (*transport.Executor, error) {
	backends := map[string]transport.ClientInterface{}

	sshBackend, err := sshclient.New(sshclient.Config{
		User:           cfg.SSHUser,
		PrivateKeyPath: cfg.SSHPrivateKeyPath,
		AgentPath:      cfg.SSHAgentPath,
	})
	if err != nil {
		return nil, fmt.Errorf("build ssh backend: %w", err)
	}
	backends["ssh"] = sshBackend

	if restCfg, err := clientcmd.NewDefaultClientConfigLoadingRules().Load(); err == nil {
		clientCfg := clientcmd.NewDefaultClientConfig(*restCfg, &clientcmd.ConfigOverrides{})
		if k8sRestCfg, err := clientCfg.ClientConfig(); err == nil {
			if k8sBackend, err := k8sexec.New(k8sRestCfg, cfg.K8sAgentPath); err == nil {
				backends["k8sexec"] = k8sBackend
			}
		}
	}

	if cfg.AzureSubscriptionID != "" {
		azureBackend, err := azurerun.New(cfg.AzureSubscriptionID, cfg.AzureResourceGroup, cfg.AzureAgentPath)
		if err != nil {
			return nil, fmt.Errorf("build azurerun backend: %w", err)
		}
		backends["azurerun"] = azureBackend
	}

	return transport.NewExecutor(backends), nil
}
