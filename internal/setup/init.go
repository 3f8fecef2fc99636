// Package setup initializes a stampede project and locates its
// configuration.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/stampede/internal/model"
	atomicyaml "github.com/msageha/stampede/internal/yaml"
	"github.com/msageha/stampede/templates"
)

const (
	// DirName is the per-project state directory.
	DirName    = ".stampede"
	ConfigName = "config.yaml"
)

// Run creates <projectDir>/.stampede with a default config.yaml and the
// directories the coordinator and minions write to. It returns the path of
// the new directory.
func Run(projectDir string, executor []string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"status", filepath.Join("status", GraphsDir), "logs"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(executor)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.WriteFile(filepath.Join(base, ConfigName), cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", ConfigName, err)
	}
	return base, nil
}

func generateConfig(executor []string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, ConfigName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if len(executor) > 0 {
		cfg.Executor.Command = append([]string(nil), executor...)
	}
	return &cfg, nil
}
