// Package agent implements distctl-agent's local, per-target operations:
// the collaborator contract the coordinator dispatches against through
// internal/transport (copy_closure, lock_component, activate, snapshot,
// and the rest of the op names named in internal/phases). Every op is a
// plain filesystem action rooted under one state directory; none of them
// know about the manifest, the deploy pipeline, or any other target.
package agent

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Agent roots every op's state under StateDir. SnapshotRoot is where
// retrieve_snapshots/restore exchange generation archives; in production
// this is a path shared across every target (e.g. an NFS mount), so one
// agent's export is immediately visible to another's import. It defaults
// to StateDir/snapshots when empty, which is sufficient for a single-host
// test or demo deployment.
type Agent struct {
	StateDir     string
	SnapshotRoot string
}

// New builds an Agent rooted at stateDir, creating it if necessary.
func New(stateDir string) (*Agent, error) {
	if stateDir == "" {
		stateDir = "/var/lib/distctl-agent"
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	a := &Agent{StateDir: stateDir, SnapshotRoot: filepath.Join(stateDir, "snapshots")}
	if err := os.MkdirAll(a.SnapshotRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return a, nil
}

func (a *Agent) dir(parts ...string) (string, error) {
	p := filepath.Join(append([]string{a.StateDir}, parts...)...)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", err
	}
	return p, nil
}

// CopyClosure records that closure has been distributed to this target.
// Real artifact transfer (rsync, nix-copy-closure, a registry pull) is
// assumed to have already placed closure on local disk by the time this
// op runs. The marker is a record only: activate and set_profile do not
// check it.
func (a *Agent) CopyClosure(closure string) error {
	if _, err := os.Stat(closure); err != nil {
		return fmt.Errorf("closure %s not present on target: %w", closure, err)
	}
	dir, err := a.dir("closures")
	if err != nil {
		return err
	}
	marker := filepath.Join(dir, sanitize(closure))
	return os.WriteFile(marker, []byte(closure+"\n"), 0o644)
}

// LockComponent takes an exclusive lock for profile, so no other deploy
// touching the same profile on this target can proceed concurrently.
func (a *Agent) LockComponent(profile string) error {
	dir, err := a.dir("locks")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, sanitize(profile)+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("profile %q already locked on this target", profile)
		}
		return err
	}
	defer f.Close()
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return nil
}

// UnlockComponent releases the lock taken by LockComponent. Unlocking an
// unlocked profile is not an error, so a repeated unlock_component is
// harmless.
func (a *Agent) UnlockComponent(profile string) error {
	dir, err := a.dir("locks")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, sanitize(profile)+".lock")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// activationRecord is the on-disk shape of one (service, container)'s
// current activation state.
type activationRecord struct {
	Service    string
	Type       string
	Properties map[string]string
	Active     bool
}

func (a *Agent) activationPath(service, container string) (string, error) {
	dir, err := a.dir("activation", sanitize(container))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sanitize(service)+".state"), nil
}

// Activate brings up service in container. args is [service, container,
// type, prop=value, ...], mirroring phases.mappingArgs.
func (a *Agent) Activate(args []string) error {
	service, container, typ, props, err := parseMappingArgs(args)
	if err != nil {
		return err
	}
	path, err := a.activationPath(service, container)
	if err != nil {
		return err
	}
	return writeActivationRecord(path, activationRecord{Service: service, Type: typ, Properties: props, Active: true})
}

// Deactivate brings service down in container.
func (a *Agent) Deactivate(args []string) error {
	service, container, typ, props, err := parseMappingArgs(args)
	if err != nil {
		return err
	}
	path, err := a.activationPath(service, container)
	if err != nil {
		return err
	}
	return writeActivationRecord(path, activationRecord{Service: service, Type: typ, Properties: props, Active: false})
}

func writeActivationRecord(path string, rec activationRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "service=%s\n", rec.Service)
	fmt.Fprintf(&b, "type=%s\n", rec.Type)
	fmt.Fprintf(&b, "active=%t\n", rec.Active)
	for k, v := range rec.Properties {
		fmt.Fprintf(&b, "prop.%s=%s\n", k, v)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func parseMappingArgs(args []string) (service, container, typ string, props map[string]string, err error) {
	if len(args) < 3 {
		return "", "", "", nil, fmt.Errorf("expected service container type [prop=value ...], got %d args", len(args))
	}
	service, container, typ = args[0], args[1], args[2]
	props = make(map[string]string, len(args)-3)
	for _, kv := range args[3:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		props[parts[0]] = parts[1]
	}
	return service, container, typ, props, nil
}

// LockSnapshots and UnlockSnapshots guard one (target, container)'s
// mutable state during the migrate phase, distinct from LockComponent's
// per-profile activation lock.
func (a *Agent) LockSnapshots(container string) error {
	dir, err := a.dir("state-locks")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, sanitize(container)+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("container %q state already locked on this target", container)
		}
		return err
	}
	return f.Close()
}

func (a *Agent) UnlockSnapshots(container string) error {
	dir, err := a.dir("state-locks")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, sanitize(container)+".lock")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (a *Agent) liveStateDir(component, container string) (string, error) {
	return a.dir("live", sanitize(container), sanitize(component))
}

func (a *Agent) generationsDir(component, container string) (string, error) {
	return a.dir("snapshots", sanitize(component), sanitize(container))
}

// Snapshot captures component's current mutable state (everything under
// its live state directory) into a new, timestamp-named generation.
func (a *Agent) Snapshot(component, container, service string) error {
	liveDir, err := a.liveStateDir(component, container)
	if err != nil {
		return err
	}
	genDir, err := a.generationsDir(component, container)
	if err != nil {
		return err
	}

	generation := strconv.FormatInt(time.Now().UnixNano(), 10)
	archivePath := filepath.Join(genDir, generation+".tar.gz")
	if err := archiveDir(liveDir, archivePath); err != nil {
		return fmt.Errorf("snapshot %s/%s (service %s): %w", component, container, service, err)
	}
	return nil
}

// RetrieveSnapshots exports component's latest generation to the shared
// SnapshotRoot under toTarget's name, for the destination agent's Restore
// call to pick up.
func (a *Agent) RetrieveSnapshots(component, container, toTarget string) error {
	genDir, err := a.generationsDir(component, container)
	if err != nil {
		return err
	}
	latest, err := latestGeneration(genDir)
	if err != nil {
		return fmt.Errorf("retrieve_snapshots %s/%s: %w", component, container, err)
	}

	exportDir := filepath.Join(a.SnapshotRoot, "transfers", sanitize(toTarget), sanitize(component), sanitize(container))
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(exportDir, filepath.Base(latest))
	return copyFile(latest, dst)
}

// Restore imports the most recently transferred generation for
// (component, container) into this target's live state, replacing what
// is there. It is only called for new-snapshot mappings already marked
// Transferred, so a missing transfer here is an error, not a no-op.
func (a *Agent) Restore(component, container, service string) error {
	importDir := filepath.Join(a.SnapshotRoot, "transfers", sanitize(a.targetSelfName()), sanitize(component), sanitize(container))
	archive, err := latestGeneration(importDir)
	if err != nil {
		return fmt.Errorf("restore %s/%s (service %s): no transferred snapshot found: %w", component, container, service, err)
	}

	liveDir, err := a.liveStateDir(component, container)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(liveDir); err != nil {
		return err
	}
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return err
	}
	return extractArchive(archive, liveDir)
}

// targetSelfName resolves which export subtree Restore should read from.
// It reads the DISTCTL_TARGET_NAME environment variable when it is set in
// the agent's environment, falling back to the local hostname. None of the
// transport backends (sshclient, k8sexec, azurerun) set that variable when
// they invoke the agent.
func (a *Agent) targetSelfName() string {
	if name := os.Getenv("DISTCTL_TARGET_NAME"); name != "" {
		return name
	}
	host, _ := os.Hostname()
	return host
}

// DeleteSnapshots removes every generation of (component, container)
// except the keep most recent.
func (a *Agent) DeleteSnapshots(component, container string, keep int) error {
	genDir, err := a.generationsDir(component, container)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(genDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tar.gz") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // generation names are unix-nano, so lexical == chronological

	if keep < 0 {
		keep = 0
	}
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(genDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) profileGenerationsDir(profile string) (string, error) {
	return a.dir("profiles", sanitize(profile)+".generations")
}

// SetProfile atomically publishes closure as profile on this target, the
// same staging-symlink-then-rename technique the coordinator itself uses
// for its own profile (see phases.publishCoordinatorProfile). Each publish
// also records a timestamp-named generation link alongside the live
// symlink, so a later DeleteProfileGenerations has history to prune.
func (a *Agent) SetProfile(profile, closure string) error {
	dir, err := a.dir("profiles")
	if err != nil {
		return err
	}
	genDir, err := a.profileGenerationsDir(profile)
	if err != nil {
		return err
	}
	generation := filepath.Join(genDir, strconv.FormatInt(time.Now().UnixNano(), 10)+".link")
	if err := os.Symlink(closure, generation); err != nil {
		return fmt.Errorf("record profile generation: %w", err)
	}

	target := filepath.Join(dir, sanitize(profile))
	tmp := fmt.Sprintf("%s.tmp-%s", target, uuid.New().String())

	if err := os.Symlink(closure, tmp); err != nil {
		return fmt.Errorf("create staging symlink: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit staging symlink: %w", err)
	}
	return nil
}

// DeleteProfileGenerations removes every recorded generation of profile
// except the keep most recent, the DELETE_OLD post-deploy step of spec.md
// §6. The live symlink published by SetProfile is untouched; this only
// prunes the history alongside it.
func (a *Agent) DeleteProfileGenerations(profile string, keep int) error {
	genDir, err := a.profileGenerationsDir(profile)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(genDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".link") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // generation names are unix-nano, so lexical == chronological

	if keep < 0 {
		keep = 0
	}
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(genDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func latestGeneration(genDir string) (string, error) {
	entries, err := os.ReadDir(genDir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no generations in %s", genDir)
	}
	sort.Strings(names)
	return filepath.Join(genDir, names[len(names)-1]), nil
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(s)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func archiveDir(srcDir, destArchive string) error {
	if err := os.MkdirAll(filepath.Dir(destArchive), 0o755); err != nil {
		return err
	}
	f, err := os.Create(destArchive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	if _, err := os.Stat(srcDir); os.IsNotExist(err) {
		// Nothing has been written to this component's live state yet;
		// an empty archive is still a valid, restorable snapshot.
	} else {
		err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(srcDir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			_, err = io.Copy(tw, in)
			return err
		})
		if err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func extractArchive(archive, destDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != destDir {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
