package stack

import "github.com/example/devstack/internal/config"

type (
	Duration      = config.Duration
	StackFile     = config.Stack
	StackMeta     = config.StackMeta
	Defaults      = config.Defaults
	Service       = config.ServiceSpec
	ServiceMap    = config.ServiceMap
	Build         = config.BuildSpec
	Volume        = config.VolumeSpec
	Mount         = config.Mount
	Readiness     = config.ProbeSpec
	TCPProbe      = config.TCPProbeSpec
	HTTPProbe     = config.HTTPProbeSpec
	RestartPolicy = config.RestartPolicy
	Resources     = config.Resources
)

const (
	RestartNever     = config.RestartNever
	RestartOnFailure = config.RestartOnFailure
	RestartAlways    = config.RestartAlways
)
