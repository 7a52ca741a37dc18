// Package config loads the VoidLux node environment (§6): role,
// ports, data directory, seed peers, and the optional shared auth
// secret, from an optional YAML manifest overridden by command-line
// flags. Environment variables are not read.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mfrederico/voidlux-sub002/internal/types"
)

// Node is the on-disk (and flag-overridable) shape of a node's
// environment.
type Node struct {
	Role          string   `yaml:"role"`
	HTTPPort      int      `yaml:"http_port"`
	P2PPort       int      `yaml:"p2p_port"`
	DiscoveryPort int      `yaml:"discovery_port"`
	DataDir       string   `yaml:"data_dir"`
	Seeds         []string `yaml:"seeds"`
	AuthSecret    string   `yaml:"auth_secret"`
	BindHost      string   `yaml:"bind_host"`
	LogLevel      string   `yaml:"log_level"`
	LogJSON       bool     `yaml:"log_json"`
}

// Defaults returns a Node populated with VoidLux's baseline ports and
// a worker role, the safe starting point before a manifest or flags
// are applied.
func Defaults() Node {
	return Node{
		Role:          string(types.RoleWorker),
		BindHost:      "0.0.0.0",
		HTTPPort:      7420,
		P2PPort:       7421,
		DiscoveryPort: 7422,
		DataDir:       "./data",
		LogLevel:      "info",
	}
}

// Load reads a YAML manifest at path, merging its fields onto
// Defaults(). A missing file is not an error — the caller is expected
// to rely on flags instead.
func Load(path string) (Node, error) {
	n := Defaults()
	if path == "" {
		return n, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return n, nil
		}
		return n, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return n, nil
}

// Validate checks that the role is one of the three VoidLux roles.
func (n Node) Validate() error {
	switch types.Role(n.Role) {
	case types.RoleSeneschal, types.RoleEmperor, types.RoleWorker:
	default:
		return fmt.Errorf("config: invalid role %q", n.Role)
	}
	if n.P2PPort == 0 {
		return fmt.Errorf("config: p2p_port must be set")
	}
	return nil
}

// AuthSecretBytes returns the configured secret as bytes, or nil if
// none is set (an open mesh, §4.3).
func (n Node) AuthSecretBytes() []byte {
	if n.AuthSecret == "" {
		return nil
	}
	return []byte(n.AuthSecret)
}
