package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/kanbanstream/internal/patchstream"
)

type streamSpec struct {
	Kind      string `yaml:"kind"`
	ID        string `yaml:"id"`
	StatsOnly *bool  `yaml:"stats_only"`
}

func (s streamSpec) key() (patchstream.Key, error) {
	kind, err := patchstream.ParseKind(s.Kind)
	if err != nil {
		return patchstream.Key{}, err
	}
	var key patchstream.Key
	switch kind {
	case patchstream.KindDiff:
		key = patchstream.DiffKey(s.ID, s.StatsOnly)
	case patchstream.KindWorkspaces:
		key = patchstream.WorkspacesKey()
	default:
		key = patchstream.RawLogsKey(s.ID)
	}
	if !key.Present() {
		return key, fmt.Errorf("%w: stream %s needs an id", patchstream.ErrInvalidInput, kind)
	}
	return key, nil
}

// configFile is the -config YAML document.
type configFile struct {
	BaseURL     string       `yaml:"base_url"`
	Token       string       `yaml:"token"`
	Transport   string       `yaml:"transport"`
	SnapshotDSN string       `yaml:"snapshot_dsn"`
	GitDir      string       `yaml:"git_dir"`
	Streams     []streamSpec `yaml:"streams"`
}

type watchConfig struct {
	BaseURL     string
	Token       string
	Transport   string
	SnapshotDSN string
	GitDir      string
	Once        bool
	Backoff     patchstream.Backoff
	Streams     []streamSpec
}

func loadConfigFile(path string) (configFile, error) {
	var file configFile
	data, err := os.ReadFile(path)
	if err != nil {
		return file, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("failed to parse config: %w", err)
	}
	return file, nil
}

// mergeConfig lets the file override env and defaults; flags given on the
// command line always win. File streams are appended to the flag stream.
func mergeConfig(cfg watchConfig, file configFile, explicit map[string]bool) watchConfig {
	apply := func(flagName string, target *string, value string) {
		if explicit[flagName] || strings.TrimSpace(value) == "" {
			return
		}
		*target = strings.TrimSpace(value)
	}
	apply("base-url", &cfg.BaseURL, file.BaseURL)
	apply("token", &cfg.Token, file.Token)
	apply("transport", &cfg.Transport, file.Transport)
	apply("snapshot-dsn", &cfg.SnapshotDSN, file.SnapshotDSN)
	apply("git-dir", &cfg.GitDir, file.GitDir)
	cfg.Streams = append(cfg.Streams, file.Streams...)
	return cfg
}
