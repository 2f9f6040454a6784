package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleManifestXML = `<?xml version="1.0"?>
<manifest>
  <targets>
    <target name="t1" clientInterface="ssh" address="10.0.0.1" numOfCores="2">
      <container>c1</container>
    </target>
  </targets>
  <distribution>
    <mapping target="t1" closure="/nix/store/abc-web"/>
  </distribution>
  <activation>
    <mapping service="web" container="c1" target="t1" type="process">
      <dependsOn>
        <dependency service="db" container="c1" target="t1"/>
      </dependsOn>
      <properties>
        <property name="port">8080</property>
      </properties>
    </mapping>
  </activation>
  <snapshots>
    <mapping component="db" container="c1" target="t1" service="db" type="process"/>
  </snapshots>
  <profiles>
    <target name="t1">
      <profile name="default">/nix/store/abc-profile</profile>
    </target>
  </profiles>
</manifest>`

func TestXMLLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.xml")
	if err := os.WriteFile(path, []byte(sampleManifestXML), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := XMLLoader{}.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(m.Targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(m.Targets))
	}
	target := m.Targets["t1"]
	if target.ClientInterface != "ssh" || target.Address != "10.0.0.1" || target.Cap != 2 {
		t.Fatalf("unexpected target: %+v", target)
	}

	if len(m.Distribution) != 1 || m.Distribution[0].Closure != "/nix/store/abc-web" {
		t.Fatalf("unexpected distribution: %+v", m.Distribution)
	}

	if len(m.Activation) != 1 {
		t.Fatalf("expected 1 activation mapping, got %d", len(m.Activation))
	}
	mapping := m.Activation[0]
	if mapping.Properties["port"] != "8080" {
		t.Fatalf("unexpected properties: %+v", mapping.Properties)
	}
	if len(mapping.DependsOn) != 1 || mapping.DependsOn[0].Service != "db" {
		t.Fatalf("unexpected dependsOn: %+v", mapping.DependsOn)
	}

	if len(m.Snapshots) != 1 || m.Snapshots[0].Key.Component != "db" {
		t.Fatalf("unexpected snapshots: %+v", m.Snapshots)
	}

	if m.Profiles["t1"]["default"] != "/nix/store/abc-profile" {
		t.Fatalf("unexpected profiles: %+v", m.Profiles)
	}
}

func TestXMLLoaderRejectsDanglingReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.xml")
	badXML := `<?xml version="1.0"?>
<manifest>
  <targets></targets>
  <distribution>
    <mapping target="unknown" closure="/nix/store/abc"/>
  </distribution>
</manifest>`
	if err := os.WriteFile(path, []byte(badXML), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := (XMLLoader{}).Load(path); err == nil {
		t.Fatal("expected validation error for unknown target reference")
	}
}

func TestXMLLoaderMissingFile(t *testing.T) {
	if _, err := (XMLLoader{}).Load("/nonexistent/manifest.xml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
