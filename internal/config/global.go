package config

import "github.com/BurntSushi/toml"

// Global represents ~/.relay/config.toml, shared by every instance.
type Global struct {
	DefaultInstance string `toml:"default_instance"`
}

// LoadGlobal reads the global config. Returns an error if the file is missing.
func LoadGlobal(path string) (*Global, error) {
	var g Global
	if _, err := toml.DecodeFile(path, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveGlobal writes the global config, creating parent dirs as needed.
func SaveGlobal(path string, g *Global) error {
	return writeTOML(path, g)
}
