package main

import (
	"github.com/example/devstack/internal/cli"
	"github.com/example/devstack/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
