package cliutil

import (
	"github.com/example/devstack/internal/config"
	"github.com/example/devstack/internal/engine"
	"github.com/example/devstack/internal/stack"
)

// StackDocument bundles a parsed stack file with the derived dependency graph.
type StackDocument struct {
	File   *stack.StackFile
	Graph  *engine.Graph
	Source string
}

// LoadStackFromFile loads a stack definition file and returns its document
// and graph. Environment references, env files and relative paths are
// resolved before the document reaches the engine.
func LoadStackFromFile(path string) (*StackDocument, error) {
	doc, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	graph, err := engine.BuildGraph(doc)
	if err != nil {
		return nil, err
	}
	return &StackDocument{File: doc, Graph: graph, Source: path}, nil
}
