package config

import "testing"

func TestParseManifest_Valid(t *testing.T) {
	doc := []byte(`
sandboxes:
  - name: py1
    image: microsandbox/python
    memory_mib: 512
    cpus: 1
    ports:
      - guest_port: 8080
`)
	m, err := ParseManifest(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Sandboxes) != 1 || m.Sandboxes[0].Name != "py1" {
		t.Fatalf("unexpected sandboxes: %+v", m.Sandboxes)
	}
}

func TestParseManifest_UnknownField(t *testing.T) {
	doc := []byte(`
sandboxes:
  - name: py1
    image: microsandbox/python
    memory_mib: 512
    cpus: 1
    bogus_field: true
`)
	if _, err := ParseManifest(doc); err == nil {
		t.Fatal("expected ConfigInvalid for unknown field")
	}
}

func TestParseManifest_NonPositiveResources(t *testing.T) {
	doc := []byte(`
sandboxes:
  - name: py1
    image: x
    memory_mib: 0
    cpus: 1
`)
	if _, err := ParseManifest(doc); err == nil {
		t.Fatal("expected ConfigInvalid for zero memory_mib")
	}
}

func TestParseManifest_HostPortCollision(t *testing.T) {
	doc := []byte(`
sandboxes:
  - name: a
    image: x
    memory_mib: 256
    cpus: 1
    ports: [{host_port: 9000, guest_port: 80}]
  - name: b
    image: x
    memory_mib: 256
    cpus: 1
    ports: [{host_port: 9000, guest_port: 80}]
`)
	if _, err := ParseManifest(doc); err == nil {
		t.Fatal("expected ConfigInvalid for host_port collision")
	}
}

func TestParseManifest_CyclicDependsOn(t *testing.T) {
	doc := []byte(`
sandboxes:
  - name: a
    image: x
    memory_mib: 256
    cpus: 1
    depends_on: [b]
  - name: b
    image: x
    memory_mib: 256
    cpus: 1
    depends_on: [a]
`)
	if _, err := ParseManifest(doc); err == nil {
		t.Fatal("expected ConfigInvalid for cyclic depends_on")
	}
}

func TestParseManifest_ReservedName(t *testing.T) {
	doc := []byte(`
sandboxes:
  - name: default
    image: x
    memory_mib: 256
    cpus: 1
`)
	if _, err := ParseManifest(doc); err == nil {
		t.Fatal("expected ConfigInvalid for reserved name")
	}
}

func TestParseManifest_ImportResolvesToVolumeMount(t *testing.T) {
	doc := []byte(`
builds:
  - name: assets
    exports: [dist]
sandboxes:
  - name: web
    image: x
    memory_mib: 256
    cpus: 1
    imports: [assets/dist]
`)
	m, err := ParseManifest(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	volumes := m.Sandboxes[0].Volumes
	if len(volumes) != 1 {
		t.Fatalf("expected import to materialize one volume, got %+v", volumes)
	}
	if volumes[0].GuestPath != "/imports/dist" || !volumes[0].ReadOnly {
		t.Fatalf("unexpected materialized volume: %+v", volumes[0])
	}
}

func TestParseManifest_ImportOfUnknownBuildFails(t *testing.T) {
	doc := []byte(`
sandboxes:
  - name: web
    image: x
    memory_mib: 256
    cpus: 1
    imports: [nonexistent/dist]
`)
	if _, err := ParseManifest(doc); err == nil {
		t.Fatal("expected ConfigInvalid for import referencing an unknown build")
	}
}

func TestParseManifest_ImportOfUnexportedPathFails(t *testing.T) {
	doc := []byte(`
builds:
  - name: assets
    exports: [dist]
sandboxes:
  - name: web
    image: x
    memory_mib: 256
    cpus: 1
    imports: [assets/bin]
`)
	if _, err := ParseManifest(doc); err == nil {
		t.Fatal("expected ConfigInvalid for import not among the build's exports")
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/server.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != DefaultServerConfig().Port {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MSB_MAX_SESSIONS", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxSessions != 7 {
		t.Fatalf("expected env override to apply, got %d", cfg.MaxSessions)
	}
}
