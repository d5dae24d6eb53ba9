package am

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/agentpulse/errors"
)

// UserConfigPath returns ~/.agentpulse/am.toml
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine home directory")
	}
	return filepath.Join(home, ".agentpulse", "am.toml"), nil
}

// Marshal renders cfg as TOML
func Marshal(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config to TOML")
	}
	return data, nil
}

// WriteConfigFile writes cfg to path as TOML, keeping the previous file as path.back1
func WriteConfigFile(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "refusing to write invalid config")
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}
	if err := createBackup(path); err != nil {
		return err
	}

	// Write to a temp file and rename so a watcher never reads a half-written file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}

// SettableKeys lists the scalar keys SetValue accepts, e.g. dispatcher.max_concurrent
func SettableKeys() []string {
	v := viper.New()
	SetDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// SetValue changes one scalar key in the config file at path and writes it
// back. A missing file starts from defaults. The value is converted to the
// key's type; the result must pass Validate. A running engine watching path
// picks the change up.
func SetValue(path, key, value string) (*Config, error) {
	known := false
	for _, k := range SettableKeys() {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return nil, errors.NewInvalidRequestError("unknown config key %q", key)
	}

	v := viper.New()
	v.SetConfigType("toml")
	SetDefaults(v)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	v.Set(key, value)

	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.WithDetail(errors.NewInvalidRequestError("invalid value %q for %s", value, key), err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithDetail(errors.NewInvalidRequestError("%s", err.Error()), "Key: "+key)
	}
	if err := WriteConfigFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createBackup(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(configPath+".back1", content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}
