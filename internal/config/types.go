package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"

	"github.com/example/devstack/internal/resources"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// RestartPolicy enumerates the restart behaviours a service may declare.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// DefaultMaxRetries bounds immediate start retries for restartable services.
const DefaultMaxRetries = 3

// Stack mirrors the stack.yaml document structure.
type Stack struct {
	Version  string                 `yaml:"version"`
	Stack    StackMeta              `yaml:"stack"`
	Defaults Defaults               `yaml:"defaults"`
	Services ServiceMap             `yaml:"services"`
	Volumes  map[string]*VolumeSpec `yaml:"volumes"`
}

// StackMeta contains metadata about the stack document.
type StackMeta struct {
	Name    string `yaml:"name"`
	Workdir string `yaml:"workdir"`
}

// Defaults captures default policies applied to services.
type Defaults struct {
	Restart    RestartPolicy `yaml:"restart"`
	MaxRetries *int          `yaml:"maxRetries"`
	Readiness  *ProbeSpec    `yaml:"readiness"`
}

// ServiceMap is a name-keyed service mapping that preserves declaration
// order, which the dependency resolver uses as a deterministic tie-break.
type ServiceMap struct {
	Order []string
	Specs map[string]*ServiceSpec
}

// UnmarshalYAML decodes the services mapping while recording key order and
// rejecting duplicate service names.
func (m *ServiceMap) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("services: expected a mapping of name to service")
	}
	m.Specs = make(map[string]*ServiceSpec, len(value.Content)/2)
	m.Order = make([]string, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]
		var name string
		if err := keyNode.Decode(&name); err != nil {
			return fmt.Errorf("services: decode key: %w", err)
		}
		if _, ok := m.Specs[name]; ok {
			return fmt.Errorf("services: service %q defined more than once", name)
		}
		spec := &ServiceSpec{}
		if valNode.Tag != "!!null" {
			if err := valNode.Decode(spec); err != nil {
				return fmt.Errorf("services.%s: %w", name, err)
			}
		}
		m.Specs[name] = spec
		m.Order = append(m.Order, name)
	}
	return nil
}

// MarshalYAML renders the services mapping in declaration order.
func (m ServiceMap) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range m.Order {
		keyNode := &yaml.Node{}
		if err := keyNode.Encode(name); err != nil {
			return nil, err
		}
		valNode := &yaml.Node{}
		if err := valNode.Encode(m.Specs[name]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// Len returns the number of declared services.
func (m ServiceMap) Len() int {
	return len(m.Specs)
}

// BuildSpec points a service at a local build context instead of an image.
type BuildSpec struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

// ServiceSpec describes an individual service in the stack.
type ServiceSpec struct {
	Build           *BuildSpec        `yaml:"build,omitempty"`
	Image           string            `yaml:"image,omitempty"`
	Runtime         string            `yaml:"runtime,omitempty"`
	Command         []string          `yaml:"command,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	EnvFromFile     string            `yaml:"envFromFile,omitempty"`
	Ports           []string          `yaml:"ports,omitempty"`
	Volumes         []string          `yaml:"volumes,omitempty"`
	DependsOn       []string          `yaml:"dependsOn,omitempty"`
	Restart         RestartPolicy     `yaml:"restart,omitempty"`
	MaxRetries      *int              `yaml:"maxRetries,omitempty"`
	Readiness       *ProbeSpec        `yaml:"readiness,omitempty"`
	Resources       *Resources        `yaml:"resources,omitempty"`
	ResolvedWorkdir string            `yaml:"-"`
}

// VolumeSpec declares a named persistent volume. Its lifetime is independent
// of any service; only an explicit prune removes the backing storage.
type VolumeSpec struct {
	Labels map[string]string `yaml:"labels,omitempty"`
}

// Resources captures resource constraints requested for a service.
type Resources struct {
	CPU    string `yaml:"cpu,omitempty"`
	Memory string `yaml:"memory,omitempty"`
}

// ProbeSpec configures an optional readiness probe for a service. Dependents
// of a probed service wait for the probe before starting.
type ProbeSpec struct {
	GracePeriod Duration       `yaml:"gracePeriod,omitempty"`
	Interval    Duration       `yaml:"interval,omitempty"`
	Timeout     Duration       `yaml:"timeout,omitempty"`
	TCP         *TCPProbeSpec  `yaml:"tcp,omitempty"`
	HTTP        *HTTPProbeSpec `yaml:"http,omitempty"`
}

// TCPProbeSpec defines a TCP connect probe.
type TCPProbeSpec struct {
	Address string `yaml:"address"`
}

// HTTPProbeSpec defines an HTTP probe.
type HTTPProbeSpec struct {
	URL          string `yaml:"url"`
	ExpectStatus []int  `yaml:"expectStatus,omitempty"`
}

// ApplyDefaults merges stack-level defaults onto services.
func (s *Stack) ApplyDefaults() error {
	for _, name := range s.Services.Order {
		svc := s.Services.Specs[name]
		if svc == nil {
			return fmt.Errorf("service %q is null", name)
		}
		svc.Runtime = strings.ToLower(strings.TrimSpace(svc.Runtime))
		if svc.Runtime == "" {
			svc.Runtime = "docker"
		}
		if svc.Restart == "" {
			if s.Defaults.Restart != "" {
				svc.Restart = s.Defaults.Restart
			} else {
				svc.Restart = RestartNever
			}
		}
		if svc.MaxRetries == nil {
			if s.Defaults.MaxRetries != nil {
				retries := *s.Defaults.MaxRetries
				svc.MaxRetries = &retries
			} else {
				retries := DefaultMaxRetries
				svc.MaxRetries = &retries
			}
		}
		if svc.Readiness == nil && s.Defaults.Readiness != nil {
			svc.Readiness = s.Defaults.Readiness.Clone()
		}
		if svc.Readiness != nil {
			svc.Readiness.applyTimingDefaults()
		}
	}
	return nil
}

func (p *ProbeSpec) applyTimingDefaults() {
	if p.Interval.Duration == 0 {
		p.Interval.Duration = 2 * time.Second
	}
	if p.Timeout.Duration == 0 {
		p.Timeout.Duration = time.Second
	}
	if !p.GracePeriod.IsSet() {
		p.GracePeriod.Duration = 5 * time.Second
	}
}

// Validate enforces schema invariants. Reference errors (unknown dependency,
// unknown volume) surface here, before any service is started.
func (s *Stack) Validate() error {
	if s.Version == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if s.Stack.Name == "" {
		return fmt.Errorf("%s: is required", fieldPath("stack", "name"))
	}
	if s.Services.Len() == 0 {
		return fmt.Errorf("%s: must define at least one service", fieldPath("services"))
	}
	for _, name := range s.Services.Order {
		svc := s.Services.Specs[name]
		if err := s.validateService(name, svc); err != nil {
			return err
		}
	}
	if err := validatePortCollisions(s); err != nil {
		return err
	}
	return nil
}

func (s *Stack) validateService(name string, svc *ServiceSpec) error {
	switch svc.Runtime {
	case "docker":
		hasBuild := svc.Build != nil
		hasImage := strings.TrimSpace(svc.Image) != ""
		if hasBuild && hasImage {
			return fmt.Errorf("%s: build and image are mutually exclusive", serviceField(name))
		}
		if !hasBuild && !hasImage {
			return fmt.Errorf("%s: either build or image is required", serviceField(name))
		}
		if hasBuild && strings.TrimSpace(svc.Build.Context) == "" {
			return fmt.Errorf("%s: is required", serviceField(name, "build", "context"))
		}
	case "process":
		if len(svc.Command) == 0 {
			return fmt.Errorf("%s: must contain at least one entry", serviceField(name, "command"))
		}
		if svc.Build != nil || svc.Image != "" {
			return fmt.Errorf("%s: build and image are not supported by the process runtime", serviceField(name))
		}
	default:
		return fmt.Errorf("%s: unsupported runtime %q (supported values: docker, process)", serviceField(name, "runtime"), svc.Runtime)
	}

	switch svc.Restart {
	case RestartNever, RestartOnFailure, RestartAlways:
	default:
		return fmt.Errorf("%s: invalid value %q (expected one of: never, on-failure, always)", serviceField(name, "restart"), svc.Restart)
	}
	if svc.MaxRetries != nil && *svc.MaxRetries < 0 {
		return fmt.Errorf("%s: must be non-negative", serviceField(name, "maxRetries"))
	}

	seenDeps := make(map[string]bool, len(svc.DependsOn))
	for i, dep := range svc.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("%s: is required", dependencyField(name, i))
		}
		if dep == name {
			return fmt.Errorf("%s: service cannot depend on itself", dependencyField(name, i))
		}
		if seenDeps[dep] {
			return fmt.Errorf("%s: duplicate dependency %q", dependencyField(name, i), dep)
		}
		seenDeps[dep] = true
		if _, ok := s.Services.Specs[dep]; !ok {
			return fmt.Errorf("%s: references unknown service %q", dependencyField(name, i), dep)
		}
	}

	for i, port := range svc.Ports {
		if err := validatePort(port); err != nil {
			return fmt.Errorf("%s: %w", serviceField(name, fmt.Sprintf("ports[%d]", i)), err)
		}
	}

	for i, volume := range svc.Volumes {
		mount, err := ParseMount(volume)
		if err != nil {
			return fmt.Errorf("%s: %w", serviceField(name, fmt.Sprintf("volumes[%d]", i)), err)
		}
		if mount.Named {
			if _, ok := s.Volumes[mount.Source]; !ok {
				return fmt.Errorf("%s: references unknown volume %q", serviceField(name, fmt.Sprintf("volumes[%d]", i)), mount.Source)
			}
		}
	}

	if svc.Readiness != nil {
		if err := validateProbe(name, svc.Readiness); err != nil {
			return err
		}
	}

	if svc.Resources != nil {
		if strings.TrimSpace(svc.Resources.CPU) != "" {
			if _, err := resources.ParseCPU(svc.Resources.CPU); err != nil {
				return fmt.Errorf("%s: %w", serviceField(name, "resources", "cpu"), err)
			}
		}
		if strings.TrimSpace(svc.Resources.Memory) != "" {
			if _, err := resources.ParseMemory(svc.Resources.Memory); err != nil {
				return fmt.Errorf("%s: %w", serviceField(name, "resources", "memory"), err)
			}
		}
	}
	return nil
}

func validateProbe(name string, p *ProbeSpec) error {
	probes := 0
	if p.TCP != nil {
		probes++
		if strings.TrimSpace(p.TCP.Address) == "" {
			return fmt.Errorf("%s: is required", probeField(name, "tcp", "address"))
		}
	}
	if p.HTTP != nil {
		probes++
		if strings.TrimSpace(p.HTTP.URL) == "" {
			return fmt.Errorf("%s: is required", probeField(name, "http", "url"))
		}
	}
	if probes == 0 {
		return fmt.Errorf("%s: a tcp or http probe is required", probeField(name))
	}
	if probes > 1 {
		return fmt.Errorf("%s: tcp and http probes are mutually exclusive", probeField(name))
	}
	return nil
}

func validatePort(spec string) error {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return fmt.Errorf("invalid port mapping %q: %w", spec, err)
	}
	if len(mappings) == 0 {
		return fmt.Errorf("invalid port mapping %q: no port definitions found", spec)
	}
	for _, mapping := range mappings {
		hostPort := strings.TrimSpace(mapping.Binding.HostPort)
		if hostPort == "" {
			return fmt.Errorf("invalid port mapping %q: host port must be specified", spec)
		}
		hostStart, hostEnd, err := nat.ParsePortRange(hostPort)
		if err != nil {
			return fmt.Errorf("invalid port mapping %q: invalid host port %q", spec, hostPort)
		}
		if hostStart == 0 || hostEnd == 0 {
			return fmt.Errorf("invalid port mapping %q: host port must be in range 1-65535", spec)
		}
		containerStart, containerEnd, err := mapping.Port.Range()
		if err != nil {
			return fmt.Errorf("invalid port mapping %q: %w", spec, err)
		}
		if containerStart == 0 || containerEnd == 0 {
			return fmt.Errorf("invalid port mapping %q: container port must be in range 1-65535", spec)
		}
	}
	return nil
}

// validatePortCollisions rejects stacks where two services claim the same
// host port, so conflicts surface at validation time rather than mid-startup.
func validatePortCollisions(s *Stack) error {
	claimed := make(map[string]string)
	for _, name := range s.Services.Order {
		svc := s.Services.Specs[name]
		for _, spec := range svc.Ports {
			mappings, err := nat.ParsePortSpec(spec)
			if err != nil {
				continue
			}
			for _, mapping := range mappings {
				start, end, err := nat.ParsePortRange(mapping.Binding.HostPort)
				if err != nil {
					continue
				}
				for port := start; port <= end; port++ {
					key := fmt.Sprintf("%s/%d", mapping.Port.Proto(), port)
					if owner, ok := claimed[key]; ok && owner != name {
						return fmt.Errorf("%s: host port %d already claimed by service %q", serviceField(name, "ports"), port, owner)
					}
					claimed[key] = name
				}
			}
		}
	}
	return nil
}

// Clone creates a deep copy of the service.
func (s *ServiceSpec) Clone() *ServiceSpec {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Build != nil {
		build := *s.Build
		cp.Build = &build
	}
	if s.Env != nil {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	if s.Command != nil {
		cp.Command = append([]string(nil), s.Command...)
	}
	if s.Ports != nil {
		cp.Ports = append([]string(nil), s.Ports...)
	}
	if s.Volumes != nil {
		cp.Volumes = append([]string(nil), s.Volumes...)
	}
	if s.DependsOn != nil {
		cp.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if s.MaxRetries != nil {
		retries := *s.MaxRetries
		cp.MaxRetries = &retries
	}
	if s.Readiness != nil {
		cp.Readiness = s.Readiness.Clone()
	}
	if s.Resources != nil {
		cp.Resources = s.Resources.Clone()
	}
	return &cp
}

// Clone creates a deep copy of the probe configuration.
func (p *ProbeSpec) Clone() *ProbeSpec {
	if p == nil {
		return nil
	}
	cp := *p
	if p.TCP != nil {
		cp.TCP = &TCPProbeSpec{Address: p.TCP.Address}
	}
	if p.HTTP != nil {
		cp.HTTP = &HTTPProbeSpec{
			URL:          p.HTTP.URL,
			ExpectStatus: append([]int(nil), p.HTTP.ExpectStatus...),
		}
	}
	return &cp
}

// Clone creates a deep copy of the resource specification.
func (r *Resources) Clone() *Resources {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Clone creates a deep copy of the volume declaration.
func (v *VolumeSpec) Clone() *VolumeSpec {
	if v == nil {
		return nil
	}
	cp := VolumeSpec{}
	if v.Labels != nil {
		cp.Labels = make(map[string]string, len(v.Labels))
		for k, val := range v.Labels {
			cp.Labels[k] = val
		}
	}
	return &cp
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func serviceField(service string, parts ...string) string {
	pathParts := append([]string{"services", service}, parts...)
	return fieldPath(pathParts...)
}

func dependencyField(service string, index int, parts ...string) string {
	dep := fmt.Sprintf("dependsOn[%d]", index)
	pathParts := append([]string{dep}, parts...)
	return serviceField(service, pathParts...)
}

func probeField(service string, parts ...string) string {
	pathParts := append([]string{"readiness"}, parts...)
	return serviceField(service, pathParts...)
}

// ServiceNames returns service names in declaration order.
func (s *Stack) ServiceNames() []string {
	out := make([]string, len(s.Services.Order))
	copy(out, s.Services.Order)
	return out
}

// ServicesSorted returns service names sorted alphabetically.
func (s *Stack) ServicesSorted() []string {
	out := make([]string, 0, s.Services.Len())
	for name := range s.Services.Specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// VolumesSorted returns declared volume names sorted alphabetically.
func (s *Stack) VolumesSorted() []string {
	out := make([]string, 0, len(s.Volumes))
	for name := range s.Volumes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
