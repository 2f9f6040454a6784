package manifest

import (
	"encoding/xml"
	"fmt"
	"os"
)

// Loader is the external manifest-parsing collaborator. The engine only
// ever reads through this interface; it never constructs or mutates a
// Manifest's structural fields itself.
type Loader interface {
	Load(path string) (*Manifest, error)
}

// xmlManifest mirrors disnix's manifest XML schema closely enough to
// round-trip the data model in §3 of the specification; it is not a
// general-purpose Nix expression evaluator, only a structural transliteration.
type xmlManifest struct {
	XMLName      xml.Name        `xml:"manifest"`
	Targets      []xmlTarget     `xml:"targets>target"`
	Distribution []xmlDistItem   `xml:"distribution>mapping"`
	Activation   []xmlActivation `xml:"activation>mapping"`
	Snapshots    []xmlSnapshot   `xml:"snapshots>mapping"`
	Profiles     []xmlProfile    `xml:"profiles>target"`
}

type xmlTarget struct {
	Name            string   `xml:"name,attr"`
	ClientInterface string   `xml:"clientInterface,attr"`
	Address         string   `xml:"address,attr"`
	TailnetDevice   string   `xml:"tailnetDevice,attr"`
	Cap             int      `xml:"numOfCores,attr"`
	Containers      []string `xml:"container"`
}

type xmlDistItem struct {
	Target  string `xml:"target,attr"`
	Closure string `xml:"closure,attr"`
}

type xmlDependsOn struct {
	Service   string `xml:"service,attr"`
	Container string `xml:"container,attr"`
	Target    string `xml:"target,attr"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlActivation struct {
	Service    string         `xml:"service,attr"`
	Container  string         `xml:"container,attr"`
	Target     string         `xml:"target,attr"`
	Type       string         `xml:"type,attr"`
	DependsOn  []xmlDependsOn `xml:"dependsOn>dependency"`
	Properties []xmlProperty  `xml:"properties>property"`
}

type xmlSnapshot struct {
	Component string `xml:"component,attr"`
	Container string `xml:"container,attr"`
	Target    string `xml:"target,attr"`
	Service   string `xml:"service,attr"`
	Type      string `xml:"type,attr"`
}

type xmlProfile struct {
	Name    string          `xml:"name,attr"`
	Entries []xmlProfileKey `xml:"profile"`
}

type xmlProfileKey struct {
	Name    string `xml:"name,attr"`
	Closure string `xml:",chardata"`
}

// XMLLoader is the reference Loader implementation, built on the standard
// library's encoding/xml (see DESIGN.md: no third-party XML library is
// present anywhere in the retrieved corpus, so the standard library is used
// here without deviating from the corpus's general preference for
// ecosystem packages).
type XMLLoader struct{}

func (XMLLoader) Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var doc xmlManifest
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	m := &Manifest{
		Profiles: make(map[string]ProfileMapping),
		Targets:  make(map[string]*Target),
	}

	for _, t := range doc.Targets {
		m.Targets[t.Name] = &Target{
			Name:            t.Name,
			ClientInterface: t.ClientInterface,
			Address:         t.Address,
			TailnetDevice:   t.TailnetDevice,
			Containers:      t.Containers,
			Cap:             t.Cap,
		}
	}

	for _, d := range doc.Distribution {
		m.Distribution = append(m.Distribution, DistributionItem{
			Target:  d.Target,
			Closure: d.Closure,
		})
	}

	for _, a := range doc.Activation {
		mapping := &ActivationMapping{
			Key: ActivationKey{
				Service:   a.Service,
				Container: a.Container,
				Target:    a.Target,
			},
			Type:       a.Type,
			Properties: make(map[string]string, len(a.Properties)),
		}
		for _, p := range a.Properties {
			mapping.Properties[p.Name] = p.Value
		}
		for _, dep := range a.DependsOn {
			mapping.DependsOn = append(mapping.DependsOn, ActivationKey{
				Service:   dep.Service,
				Container: dep.Container,
				Target:    dep.Target,
			})
		}
		m.Activation = append(m.Activation, mapping)
	}

	for _, s := range doc.Snapshots {
		m.Snapshots = append(m.Snapshots, &SnapshotMapping{
			Key: SnapshotKey{
				Component: s.Component,
				Container: s.Container,
				Target:    s.Target,
			},
			Service: s.Service,
			Type:    s.Type,
		})
	}

	for _, p := range doc.Profiles {
		mapping := make(ProfileMapping, len(p.Entries))
		for _, e := range p.Entries {
			mapping[e.Name] = e.Closure
		}
		m.Profiles[p.Name] = mapping
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
