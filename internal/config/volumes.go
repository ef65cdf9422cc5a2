package config

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Mount describes a single volume binding after parsing. Source is either an
// absolute host path or the name of a declared persistent volume.
type Mount struct {
	Source string
	Target string
	Mode   string
	Named  bool
}

var namedVolumePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ParseMount splits a "source:target[:mode]" binding and classifies the
// source as a host path or a named volume reference.
func ParseMount(spec string) (Mount, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return Mount{}, fmt.Errorf("volume specification is empty")
	}
	first := strings.Index(trimmed, ":")
	if first == -1 {
		return Mount{}, fmt.Errorf("invalid volume specification %q: expected format source:target[:mode]", spec)
	}
	source := strings.TrimSpace(trimmed[:first])
	if source == "" {
		return Mount{}, fmt.Errorf("invalid volume specification %q: source is required", spec)
	}
	remainder := trimmed[first+1:]
	if remainder == "" {
		return Mount{}, fmt.Errorf("invalid volume specification %q: target is required", spec)
	}

	mount := Mount{Source: source}
	second := strings.Index(remainder, ":")
	if second == -1 {
		mount.Target = strings.TrimSpace(remainder)
	} else {
		mount.Target = strings.TrimSpace(remainder[:second])
		mount.Mode = strings.TrimSpace(remainder[second+1:])
		if mount.Mode == "" {
			return Mount{}, fmt.Errorf("invalid volume specification %q: mode is empty", spec)
		}
		if strings.Contains(mount.Mode, ":") {
			return Mount{}, fmt.Errorf("invalid volume specification %q: unexpected ':' in mode", spec)
		}
	}
	if mount.Target == "" {
		return Mount{}, fmt.Errorf("invalid volume specification %q: target is required", spec)
	}
	if !path.IsAbs(mount.Target) {
		return Mount{}, fmt.Errorf("invalid volume specification %q: target %q must be absolute", spec, mount.Target)
	}

	if filepath.IsAbs(source) || strings.HasPrefix(source, "./") || strings.HasPrefix(source, "../") {
		if !filepath.IsAbs(source) {
			return Mount{}, fmt.Errorf("invalid volume specification %q: host path %q must be absolute", spec, source)
		}
		return mount, nil
	}
	if !namedVolumePattern.MatchString(source) {
		return Mount{}, fmt.Errorf("invalid volume specification %q: %q is neither an absolute host path nor a valid volume name", spec, source)
	}
	mount.Named = true
	return mount, nil
}

// Mounts parses every volume binding declared by the service.
func (s *ServiceSpec) Mounts() ([]Mount, error) {
	if len(s.Volumes) == 0 {
		return nil, nil
	}
	mounts := make([]Mount, 0, len(s.Volumes))
	for _, spec := range s.Volumes {
		mount, err := ParseMount(spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, mount)
	}
	return mounts, nil
}

// NamedVolumes returns the names of declared volumes the service mounts, in
// mount order without duplicates.
func (s *ServiceSpec) NamedVolumes() ([]string, error) {
	mounts, err := s.Mounts()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(mounts))
	var names []string
	for _, mount := range mounts {
		if !mount.Named || seen[mount.Source] {
			continue
		}
		seen[mount.Source] = true
		names = append(names, mount.Source)
	}
	return names, nil
}
