// Package queue implements the vault's filesystem-backed task queue. Each stage is a
// directory and a file's presence in exactly one directory is its ownership record.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/taskvault/internal/model"
	yamlutil "github.com/msageha/taskvault/internal/yaml"
)

var (
	// ErrCollision is returned when a move or create would replace an existing artifact.
	ErrCollision = errors.New("destination already exists")
	// ErrNotFound is returned when an artifact is not in the expected stage.
	ErrNotFound = errors.New("artifact not found")
)

// Vault addresses the stage directories under one root.
type Vault struct {
	root string
}

func New(root string) *Vault {
	return &Vault{root: root}
}

func (v *Vault) Root() string { return v.root }

func (v *Vault) Dir(stage model.Stage) string {
	return filepath.Join(v.root, string(stage))
}

func (v *Vault) Path(stage model.Stage, name string) string {
	return filepath.Join(v.root, string(stage), name)
}

// Ensure creates every stage directory.
func (v *Vault) Ensure() error {
	for _, stage := range model.AllStages() {
		if err := os.MkdirAll(v.Dir(stage), 0755); err != nil {
			return fmt.Errorf("create %s: %w", stage, err)
		}
	}
	return nil
}

// CheckLayout reports the stage directories missing from the vault.
func (v *Vault) CheckLayout() error {
	var missing []string
	for _, stage := range model.AllStages() {
		info, err := os.Stat(v.Dir(stage))
		if err != nil || !info.IsDir() {
			missing = append(missing, string(stage))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("vault %s is missing directories: %s", v.root, strings.Join(missing, ", "))
	}
	return nil
}

// List returns the markdown artifacts of a stage in lexical order.
func (v *Vault) List(stage model.Stage) ([]string, error) {
	return v.ListExt(stage, ".md")
}

// ListExt returns the names in stage with extension ext, in lexical order.
// Hidden files, including in-flight temp files, are skipped.
func (v *Vault) ListExt(stage model.Stage, ext string) ([]string, error) {
	entries, err := os.ReadDir(v.Dir(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", stage, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ext {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (v *Vault) Count(stage model.Stage) (int, error) {
	names, err := v.List(stage)
	return len(names), err
}

func (v *Vault) Exists(stage model.Stage, name string) bool {
	_, err := os.Stat(v.Path(stage, name))
	return err == nil
}

func (v *Vault) Read(stage model.Stage, name string) ([]byte, error) {
	data, err := os.ReadFile(v.Path(stage, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", stage.Ref(name), ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", stage.Ref(name), err)
	}
	return data, nil
}

// Create publishes a new artifact. It never replaces an existing one.
func (v *Vault) Create(stage model.Stage, name string, content []byte) error {
	if err := yamlutil.WriteExclusive(v.Path(stage, name), content); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", stage.Ref(name), ErrCollision)
		}
		return err
	}
	return nil
}

// Write atomically creates or replaces an artifact.
func (v *Vault) Write(stage model.Stage, name string, content []byte) error {
	return yamlutil.AtomicWriteRaw(v.Path(stage, name), content)
}

// Remove deletes an artifact. A missing artifact is not an error.
func (v *Vault) Remove(stage model.Stage, name string) error {
	if err := os.Remove(v.Path(stage, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", stage.Ref(name), err)
	}
	return nil
}

// Advance moves an artifact between stages. If the source is already gone the call is
// a no-op, so re-running a half-finished step is safe. A same-named artifact at the
// destination is never replaced; ErrCollision is returned instead.
func (v *Vault) Advance(from model.Stage, name string, to model.Stage) error {
	if from == to {
		return nil
	}
	return v.AdvanceAs(from, name, to, name)
}

// AdvanceAs is Advance with a new name at the destination.
func (v *Vault) AdvanceAs(from model.Stage, name string, to model.Stage, newName string) error {
	err := renameNoReplace(v.Path(from, name), v.Path(to, newName))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("advance %s to %s: %w", from.Ref(name), to.Ref(newName), ErrCollision)
	default:
		return fmt.Errorf("advance %s to %s: %w", from.Ref(name), to.Ref(newName), err)
	}
}

// Locate finds the queue stage currently holding name.
func (v *Vault) Locate(name string) (model.Stage, bool) {
	for _, stage := range model.QueueStages() {
		if v.Exists(stage, name) {
			return stage, true
		}
	}
	return "", false
}

// Resolve splits a vault-relative reference such as "In_Progress/TASK_x.md".
func Resolve(ref string) (model.Stage, string, error) {
	ref = filepath.ToSlash(strings.TrimSpace(ref))
	dir, name := filepath.Split(ref)
	dir = strings.Trim(dir, "/")
	if dir == "" || name == "" || strings.Contains(dir, "/") || strings.Contains(ref, "..") {
		return "", "", fmt.Errorf("invalid vault reference %q", ref)
	}
	for _, stage := range model.AllStages() {
		if string(stage) == dir {
			return stage, name, nil
		}
	}
	return "", "", fmt.Errorf("unknown stage in reference %q", ref)
}

// Claimed is a task taken from the new-work stage.
type Claimed struct {
	Name    string
	Content []byte
}

// Filter decides whether a pending task may be claimed now.
type Filter func(name string, content []byte) bool

// ClaimNext moves the first eligible task, in lexical order, from Needs_Action to
// In_Progress. Tasks rejected by filter stay where they are and are re-checked on the
// next call. It returns nil when nothing is eligible. When another claimer wins the race
// for a file, the scan moves on to the next one.
func (v *Vault) ClaimNext(filter Filter) (*Claimed, error) {
	names, err := v.List(model.StageNeedsAction)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		content, err := v.Read(model.StageNeedsAction, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter != nil && !filter(name, content) {
			continue
		}
		src := v.Path(model.StageNeedsAction, name)
		dst := v.Path(model.StageInProgress, name)
		if err := renameNoReplace(src, dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if errors.Is(err, os.ErrExist) {
				return &Claimed{Name: name, Content: content}, fmt.Errorf("claim %s: %w", name, ErrCollision)
			}
			return nil, fmt.Errorf("claim %s: %w", name, err)
		}
		return &Claimed{Name: name, Content: content}, nil
	}
	return nil, nil
}
