// Package config parses Sandboxfile manifests into immutable SandboxSpec
// values and loads the server's own runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/radiumce/microsandbox/internal/errs"
)

// NetworkScope controls outbound network visibility for a sandbox.
type NetworkScope string

const (
	NetworkNone   NetworkScope = "none"
	NetworkLocal  NetworkScope = "local"
	NetworkPublic NetworkScope = "public"
	NetworkAny    NetworkScope = "any"
)

// Volume maps a host path into the guest, optionally read-only.
type Volume struct {
	HostPath  string `yaml:"host_path" json:"host_path"`
	GuestPath string `yaml:"guest_path" json:"guest_path"`
	ReadOnly  bool   `yaml:"ro" json:"ro"`
}

// PortMapping maps a guest port to an optionally-pinned host port.
type PortMapping struct {
	HostPort  int `yaml:"host_port" json:"host_port"`
	GuestPort int `yaml:"guest_port" json:"guest_port"`
}

// SandboxSpec is the immutable, validated declarative description of one
// sandbox entry in a Sandboxfile.
type SandboxSpec struct {
	Name          string            `yaml:"name"`
	ImageRef      string            `yaml:"image"`
	MemoryMiB     uint32            `yaml:"memory_mib"`
	CPUs          uint8             `yaml:"cpus"`
	Volumes       []Volume          `yaml:"volumes"`
	Ports         []PortMapping     `yaml:"ports"`
	Env           map[string]string `yaml:"env"`
	Workdir       string            `yaml:"workdir"`
	Shell         string            `yaml:"shell"`
	StartCommand  string            `yaml:"start_command"`
	DependsOn     []string          `yaml:"depends_on"`
	NetworkScope  NetworkScope      `yaml:"network_scope"`
	Imports       []string          `yaml:"imports"`
}

// BuildSpec describes an `imports`/`exports` artifact producer referenced
// from a SandboxSpec. Exports names a set of paths the build writes under
// its own output directory, builds/<name>/<export>; a sandbox pulls one in
// by listing "<build_name>/<export_path>" in its own Imports.
type BuildSpec struct {
	Name    string   `yaml:"name"`
	Exports []string `yaml:"exports"`
}

// GroupSpec names a set of sandboxes that start/stop together.
type GroupSpec struct {
	Name      string   `yaml:"name"`
	Sandboxes []string `yaml:"sandboxes"`
}

// Manifest is the parsed, unvalidated Sandboxfile document.
type Manifest struct {
	Builds    []BuildSpec   `yaml:"builds"`
	Sandboxes []SandboxSpec `yaml:"sandboxes"`
	Groups    []GroupSpec   `yaml:"groups"`
}

// allowedSandboxFields and allowedTopFields list the recognized keys;
// ParseManifest walks the document as a yaml.Node so unknown top-level and
// per-sandbox fields can be rejected explicitly, matching spec §4.1's
// "recognized options are exactly those listed" requirement.
var allowedSandboxFields = map[string]bool{
	"name": true, "image": true, "memory_mib": true, "cpus": true,
	"volumes": true, "ports": true, "env": true, "workdir": true,
	"shell": true, "start_command": true, "depends_on": true, "network_scope": true,
	"imports": true,
}

var allowedTopFields = map[string]bool{"builds": true, "sandboxes": true, "groups": true}

// ParseManifest parses and validates a Sandboxfile document, returning
// immutable SandboxSpec values or a ConfigInvalid error.
func ParseManifest(data []byte) (*Manifest, error) {
	var top yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, errs.ConfigInvalid(fmt.Sprintf("invalid YAML: %v", err))
	}
	if len(top.Content) == 0 {
		return &Manifest{}, nil
	}
	doc := top.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, errs.ConfigInvalid("Sandboxfile root must be a mapping")
	}
	for i := 0; i < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if !allowedTopFields[key] {
			return nil, errs.ConfigInvalid(fmt.Sprintf("unknown top-level field %q", key))
		}
	}

	var m Manifest
	if err := top.Decode(&m); err != nil {
		return nil, errs.ConfigInvalid(fmt.Sprintf("invalid Sandboxfile: %v", err))
	}

	if err := validateSandboxFieldNames(doc); err != nil {
		return nil, err
	}
	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func validateSandboxFieldNames(doc *yaml.Node) error {
	for i := 0; i < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "sandboxes" {
			continue
		}
		list := doc.Content[i+1]
		for _, entry := range list.Content {
			for j := 0; j < len(entry.Content); j += 2 {
				field := entry.Content[j].Value
				if !allowedSandboxFields[field] {
					return errs.ConfigInvalid(fmt.Sprintf("unknown sandbox field %q", field))
				}
			}
		}
	}
	return nil
}

func validate(m *Manifest) error {
	if err := mergeImports(m); err != nil {
		return err
	}

	seen := make(map[string]bool, len(m.Sandboxes))
	for _, s := range m.Sandboxes {
		if s.Name == "" {
			return errs.ConfigInvalid("sandbox entry missing name")
		}
		if isReservedName(s.Name) {
			return errs.ConfigInvalid(fmt.Sprintf("sandbox name %q is reserved", s.Name))
		}
		if seen[s.Name] {
			return errs.ConfigInvalid(fmt.Sprintf("duplicate sandbox name %q", s.Name))
		}
		seen[s.Name] = true

		if s.MemoryMiB == 0 {
			return errs.ConfigInvalid(fmt.Sprintf("sandbox %q: memory_mib must be > 0", s.Name))
		}
		if s.CPUs == 0 {
			return errs.ConfigInvalid(fmt.Sprintf("sandbox %q: cpus must be >= 1", s.Name))
		}
		for _, v := range s.Volumes {
			if v.GuestPath == "" {
				return errs.ConfigInvalid(fmt.Sprintf("sandbox %q: volume missing guest_path", s.Name))
			}
			if v.HostPath == "" {
				return errs.ConfigInvalid(fmt.Sprintf("sandbox %q: volume missing host_path", s.Name))
			}
		}
	}

	hostPorts := make(map[int]string)
	for _, s := range m.Sandboxes {
		for _, p := range s.Ports {
			if p.GuestPort <= 0 {
				return errs.ConfigInvalid(fmt.Sprintf("sandbox %q: malformed port mapping (guest_port required)", s.Name))
			}
			if p.HostPort == 0 {
				continue
			}
			if owner, ok := hostPorts[p.HostPort]; ok && owner != s.Name {
				return errs.ConfigInvalid(fmt.Sprintf("host_port %d requested by both %q and %q", p.HostPort, owner, s.Name))
			}
			hostPorts[p.HostPort] = s.Name
		}
	}

	if err := checkDependsOnDAG(m.Sandboxes); err != nil {
		return err
	}
	return nil
}

// mergeImports resolves each sandbox's imports against the referenced
// build's exports, materializing every match as an additional read-only
// volume mount (host side under builds/<build>/<export>, guest side under
// /imports/<export>), per §4.1's imports/exports merge requirement.
func mergeImports(m *Manifest) error {
	buildsByName := make(map[string]BuildSpec, len(m.Builds))
	for _, b := range m.Builds {
		buildsByName[b.Name] = b
	}

	for i := range m.Sandboxes {
		s := &m.Sandboxes[i]
		for _, imp := range s.Imports {
			buildName, exportPath, ok := strings.Cut(imp, "/")
			if !ok || buildName == "" || exportPath == "" {
				return errs.ConfigInvalid(fmt.Sprintf("sandbox %q: malformed import %q, want \"<build_name>/<export_path>\"", s.Name, imp))
			}
			build, ok := buildsByName[buildName]
			if !ok {
				return errs.ConfigInvalid(fmt.Sprintf("sandbox %q: import %q references unknown build %q", s.Name, imp, buildName))
			}
			if !containsString(build.Exports, exportPath) {
				return errs.ConfigInvalid(fmt.Sprintf("sandbox %q: import %q not found among build %q's exports", s.Name, imp, buildName))
			}
			s.Volumes = append(s.Volumes, Volume{
				HostPath:  filepath.Join("builds", buildName, exportPath),
				GuestPath: filepath.Join("/imports", exportPath),
				ReadOnly:  true,
			})
		}
	}
	return nil
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func isReservedName(name string) bool {
	switch strings.ToLower(name) {
	case "all", "default", "*", "health", "system":
		return true
	}
	return false
}

// checkDependsOnDAG rejects cyclic depends_on graphs via DFS with a
// recursion stack, and rejects references to undeclared sandboxes.
func checkDependsOnDAG(specs []SandboxSpec) error {
	byName := make(map[string]SandboxSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(specs))

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = grey
		for _, dep := range byName[name].DependsOn {
			if _, ok := byName[dep]; !ok {
				return errs.ConfigInvalid(fmt.Sprintf("sandbox %q depends_on unknown sandbox %q", name, dep))
			}
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case grey:
				return errs.ConfigInvalid(fmt.Sprintf("cyclic depends_on involving %q", dep))
			}
		}
		color[name] = black
		return nil
	}

	for _, s := range specs {
		if color[s.Name] == white {
			if err := visit(s.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadManifest reads and parses a Sandboxfile from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read Sandboxfile: %w", err)
	}
	return ParseManifest(data)
}

// ResolveHostPath resolves a volume's host_path relative to the namespace
// root when it is not already absolute.
func ResolveHostPath(namespaceRoot, hostPath string) string {
	if filepath.IsAbs(hostPath) {
		return hostPath
	}
	return filepath.Join(namespaceRoot, hostPath)
}
