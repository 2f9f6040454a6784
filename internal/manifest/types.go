// Package manifest provides the in-memory representation of a distsnix
// deployment configuration: targets, activation mappings, snapshot
// mappings and profile mappings, plus the diffing helpers the coordinator
// needs to move from one configuration to another.
package manifest

import "fmt"

// Status tracks where an ActivationMapping sits in the transition
// traversal. Visited is a cycle guard used while walking the dependency
// graph; it is never a resting state at the end of a phase.
type Status int

const (
	Deactivated Status = iota
	Activated
	Visited
)

func (s Status) String() string {
	switch s {
	case Activated:
		return "Activated"
	case Visited:
		return "Visited"
	default:
		return "Deactivated"
	}
}

// Target is a reachable machine participating in the deployment. Targets
// are immutable for the duration of a deploy call.
type Target struct {
	Name string

	// ClientInterface selects the transport backend used to reach this
	// target: "ssh", "k8sexec" or "azurerun".
	ClientInterface string

	// Address is the dial target for the selected backend: a host:port
	// for ssh, a namespace/pod/container triple for k8sexec, or an Azure
	// VM name (within the backend's resource group) for azurerun. Resolved
	// lazily via internal/tailnet
	// when empty and TailnetDevice is set.
	Address       string
	TailnetDevice string

	Containers []string

	// Cap bounds the number of concurrent in-flight operations against
	// this target across all phases.
	Cap int
}

// ActivationKey uniquely identifies an ActivationMapping within a
// Manifest's activation array.
type ActivationKey struct {
	Service   string
	Container string
	Target    string
}

func (k ActivationKey) String() string {
	return fmt.Sprintf("%s@%s/%s", k.Service, k.Container, k.Target)
}

// ActivationMapping is a desired (service, container, target) placement
// with dependency edges to other activation keys.
type ActivationMapping struct {
	Key ActivationKey

	Type       string
	DependsOn  []ActivationKey
	Properties map[string]string

	// Status is mutated only by the owning phase (activate.go) and only
	// after child processes for this mapping have returned.
	Status Status
}

// SnapshotKey uniquely identifies a SnapshotMapping within a Manifest's
// snapshots array.
type SnapshotKey struct {
	Component string
	Container string
	Target    string
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s@%s/%s", k.Component, k.Container, k.Target)
}

// SnapshotMapping is a desired transfer of mutable state for a
// (component, container, target) triple.
type SnapshotMapping struct {
	Key SnapshotKey

	Service string
	Type    string

	// Transferred is set once a snapshot for this mapping has been
	// copied from its obsolete target to its new one.
	Transferred bool
}

// DistributionItem names a build closure that must be copied to a target
// before activation can proceed.
type DistributionItem struct {
	Target  string
	Closure string
}

// ProfileMapping maps profile name to the closure path that should be
// published under it, for one target.
type ProfileMapping map[string]string

// Manifest is the root entity describing a complete desired (or previous)
// deployment configuration.
type Manifest struct {
	Distribution []DistributionItem
	Activation   []*ActivationMapping
	Snapshots    []*SnapshotMapping
	Profiles     map[string]ProfileMapping // target name -> profile mapping
	Targets      map[string]*Target
}

// Validate checks the cross-reference invariant: every mapping must name a
// target present in the targets table.
func (m *Manifest) Validate() error {
	for _, d := range m.Distribution {
		if _, ok := m.Targets[d.Target]; !ok {
			return fmt.Errorf("distribution item references unknown target %q", d.Target)
		}
	}
	for _, a := range m.Activation {
		if _, ok := m.Targets[a.Key.Target]; !ok {
			return fmt.Errorf("activation mapping %s references unknown target %q", a.Key, a.Key.Target)
		}
	}
	for _, s := range m.Snapshots {
		if _, ok := m.Targets[s.Key.Target]; !ok {
			return fmt.Errorf("snapshot mapping %s references unknown target %q", s.Key, s.Key.Target)
		}
	}
	for target := range m.Profiles {
		if _, ok := m.Targets[target]; !ok {
			return fmt.Errorf("profile mapping references unknown target %q", target)
		}
	}
	return nil
}

// FindActivation returns the mapping with the given key, or nil.
func (m *Manifest) FindActivation(key ActivationKey) *ActivationMapping {
	for _, a := range m.Activation {
		if a.Key == key {
			return a
		}
	}
	return nil
}

// FindSnapshot returns the mapping with the given key, or nil.
func (m *Manifest) FindSnapshot(key SnapshotKey) *SnapshotMapping {
	for _, s := range m.Snapshots {
		if s.Key == key {
			return s
		}
	}
	return nil
}
