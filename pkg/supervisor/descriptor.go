package supervisor

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// Descriptor is the on-disk definition of one auxiliary service, per
// spec.md §3's "Service" type: executable path, argument list, user,
// environment, restart policy, and an enabled-by-default flag. The
// teacher hard-codes this information in Go (NewChronyService,
// NewSSHDService); this generalizes it to a data file so the asset set
// can declare services without a matching code change, one JSON
// document per service directory, named service.json.
type Descriptor struct {
	Executable       string   `json:"executable"`
	Args             []string `json:"args,omitempty"`
	User             string   `json:"user,omitempty"`
	Group            string   `json:"group,omitempty"`
	Env              []string `json:"env,omitempty"`
	Optional         bool     `json:"optional,omitempty"`
	EnabledByDefault bool     `json:"enabled-by-default"`
}

// LoadDescriptor reads the descriptor for the named service from
// <servicesDir>/<name>/service.json.
func LoadDescriptor(fs afero.Fs, servicesDir, name string) (*Descriptor, error) {
	path := filepath.Join(servicesDir, name, "service.json")
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("unable to read service descriptor %s: %w", path, err)
	}
	d := &Descriptor{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("unable to decode service descriptor %s: %w", path, err)
	}
	if d.Executable == "" {
		return nil, fmt.Errorf("service descriptor %s has no executable", path)
	}
	return d, nil
}
