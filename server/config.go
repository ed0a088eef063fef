package server

import (
	"os"
	"path/filepath"

	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/relay"
	"github.com/thalynlabs/mudscape/session"
	"gopkg.in/yaml.v3"
)

type Config struct {
	SSHAddr  string `yaml:"sshAddr"`
	HTTPAddr string `yaml:"httpAddr"`
	// Dir holds the host key, the profile database and session logs.
	Dir string `yaml:"dir"`
	// Password, if set, is required from every SSH user.
	Password string `yaml:"password"`

	LogFile       string `yaml:"logFile"`
	LogMaxSizeMB  int    `yaml:"logMaxSizeMB"`
	LogMaxBackups int    `yaml:"logMaxBackups"`
	LogMaxAgeDays int    `yaml:"logMaxAgeDays"`

	// ProfilesFile is an optional YAML file imported at start and
	// re-imported whenever it changes.
	ProfilesFile string `yaml:"profilesFile"`

	Relay   relay.Config   `yaml:"relay"`
	Session session.Config `yaml:"session"`
}

func DefaultConfig() Config {
	return Config{
		SSHAddr:       "127.0.0.1:15000",
		HTTPAddr:      "127.0.0.1:8080",
		Dir:           filepath.Join(os.Getenv("HOME"), ".mudscape"),
		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		LogMaxAgeDays: 30,
		Relay:         relay.DefaultConfig(),
		Session:       session.DefaultConfig(),
	}
}

// LoadConfig overlays the YAML file at path onto config.
func LoadConfig(path string, config *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return mudscape.WithStack(err)
	}
	if err := yaml.Unmarshal(b, config); err != nil {
		return mudscape.WithStack(err)
	}
	return nil
}
