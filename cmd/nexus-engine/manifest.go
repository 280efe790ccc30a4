package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// manifest is the optional static pool/child bootstrap document consumed at
// startup: a test/dev convenience for standing up nexuses without a
// separate orchestration control plane, declared once in YAML.
type manifest struct {
	Nexuses []nexusSpec `yaml:"nexuses"`
}

type nexusSpec struct {
	Name                string       `yaml:"name"`
	UUID                string       `yaml:"uuid"`
	SizeBytes           uint64       `yaml:"sizeBytes"`
	DataEntOffsetBlocks uint64       `yaml:"dataEntOffsetBlocks"`
	Children            []childSpec `yaml:"children"`
}

type childSpec struct {
	UUID string `yaml:"uuid"`
	URI  string `yaml:"uri"`
	// SizeBytes/BlockLen seed a newly created local-file child or the
	// simulated namespace geometry of a remote one; for a file:// child
	// that already exists on disk with data, SizeBytes is ignored (the
	// file keeps its size) while BlockLen still sets its block length.
	SizeBytes uint64 `yaml:"sizeBytes"`
	BlockLen  uint32 `yaml:"blockLen"`
}

func loadManifest(path string) (*manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
