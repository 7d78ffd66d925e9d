package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// VtepSeed is one statically-known VTEP's management endpoint: the OVSDB
// wire client itself is out of scope (spec.md §1), but something has to
// tell an in-memory VtepPool which peers exist before the first bridge
// update arrives.
type VtepSeed struct {
	ID       string `yaml:"id"`
	MgmtAddr string `yaml:"mgmtAddr"`
	MgmtPort uint16 `yaml:"mgmtPort"`
}

// LoadVtepSeeds reads a YAML list of VtepSeed from path. An empty path
// (VtepSeedFile unset) returns an empty slice rather than an error, since
// the in-memory reference VtepPool has no peers to preconfigure until a
// real OVSDB client replaces it.
func LoadVtepSeeds(path string) ([]VtepSeed, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seeds []VtepSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, err
	}
	return seeds, nil
}
