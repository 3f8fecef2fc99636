package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/stampede/internal/model"
)

// GraphsDir holds target graph snapshots, one per session, under the status
// directory.
const GraphsDir = "graphs"

var ErrNotFound = errors.New(DirName + "/ directory not found")

// FindDir walks up from start looking for a .stampede directory.
func FindDir(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Project is a loaded configuration plus the directory its relative paths
// are anchored to.
type Project struct {
	Root   string
	Config model.Config
}

// GraphPath is where the target graph of sessionID is snapshotted.
func (p Project) GraphPath(sessionID string) string {
	return filepath.Join(p.Config.Status.Dir, GraphsDir, sessionID+".yaml")
}

// Load reads an explicit config file when path is set. Otherwise it looks
// for .stampede/config.yaml above start, and falls back to defaults rooted
// at start when there is none.
func Load(path, start string) (Project, error) {
	if path == "" {
		dir, err := FindDir(start)
		switch {
		case errors.Is(err, ErrNotFound):
			root, aerr := filepath.Abs(start)
			if aerr != nil {
				return Project{}, aerr
			}
			p := Project{Root: root, Config: model.DefaultConfig()}
			p.resolve()
			return p, nil
		case err != nil:
			return Project{}, err
		}
		path = filepath.Join(dir, ConfigName)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Project{}, err
	}
	cfg, err := loadConfig(abs)
	if err != nil {
		return Project{}, err
	}

	root := filepath.Dir(abs)
	if filepath.Base(root) == DirName {
		root = filepath.Dir(root)
	}
	p := Project{Root: root, Config: cfg}
	p.resolve()
	return p, nil
}

func loadConfig(path string) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (p *Project) resolve() {
	abs := func(s *string) {
		if *s != "" && !filepath.IsAbs(*s) {
			*s = filepath.Join(p.Root, *s)
		}
	}
	abs(&p.Config.Status.Dir)
	abs(&p.Config.Audit.Path)
	abs(&p.Config.Logging.File)
	if p.Config.Executor.WorkDir == "" {
		p.Config.Executor.WorkDir = p.Root
	} else {
		abs(&p.Config.Executor.WorkDir)
	}
}
