// Package setup handles taskvault vault initialization.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/msageha/taskvault/internal/config"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/queue"
	"github.com/msageha/taskvault/internal/watcher"
	atomicyaml "github.com/msageha/taskvault/internal/yaml"
	"github.com/msageha/taskvault/templates"
)

const skillsTemplateDir = "agent_skills"

// Run lays out a vault under root: every stage directory, the inbox, the runtime
// directory, config.yaml, README.md and the agent capability documents. Existing
// files are left untouched, so Run also repairs a vault with missing directories.
// It returns the paths it created, relative to root.
func Run(root string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}

	var created []string
	record := func(p string) {
		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			rel = p
		}
		created = append(created, rel)
	}

	v := queue.New(absRoot)
	missing := missingDirs(v)
	if err := v.Ensure(); err != nil {
		return nil, err
	}
	for _, d := range missing {
		record(d)
	}

	if err := copyTemplateFile(config.FileName, filepath.Join(absRoot, config.FileName), record); err != nil {
		return nil, err
	}
	if err := copyTemplateFile("README.md", filepath.Join(absRoot, "README.md"), record); err != nil {
		return nil, err
	}

	cfg, err := config.Load(absRoot)
	if err != nil {
		return nil, fmt.Errorf("load generated config: %w", err)
	}

	dirs := []string{
		config.RuntimeDir(cfg),
		filepath.Join(config.InboxDir(cfg), watcher.ProcessedDir),
		config.CapabilitiesDir(cfg),
	}
	for _, d := range dirs {
		if err := mkdir(d, record); err != nil {
			return nil, err
		}
	}

	entries, err := fs.ReadDir(templates.FS, skillsTemplateDir)
	if err != nil {
		return nil, fmt.Errorf("read capability templates: %w", err)
	}
	for _, e := range entries {
		src := path.Join(skillsTemplateDir, e.Name())
		dst := filepath.Join(config.CapabilitiesDir(cfg), e.Name())
		if err := copyTemplateFile(src, dst, record); err != nil {
			return nil, err
		}
	}
	return created, nil
}

func missingDirs(v *queue.Vault) []string {
	var out []string
	for _, stage := range model.AllStages() {
		if _, err := os.Stat(v.Dir(stage)); errors.Is(err, fs.ErrNotExist) {
			out = append(out, v.Dir(stage))
		}
	}
	return out
}

func mkdir(dir string, record func(string)) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	record(dir)
	return nil
}

// copyTemplateFile writes an embedded template to dst unless dst already exists.
func copyTemplateFile(name, dst string, record func(string)) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicyaml.WriteExclusive(dst, data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("write %s: %w", dst, err)
	}
	record(dst)
	return nil
}
