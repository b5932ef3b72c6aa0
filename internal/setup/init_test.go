package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/msageha/taskvault/internal/config"
	"github.com/msageha/taskvault/internal/model"
)

func TestRun_CreatesVaultLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")

	created, err := Run(root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(created) == 0 {
		t.Fatal("expected created paths")
	}

	for _, stage := range model.AllStages() {
		info, err := os.Stat(filepath.Join(root, string(stage)))
		if err != nil {
			t.Errorf("stage %s does not exist: %v", stage, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", stage)
		}
	}

	expected := []string{
		"config.yaml",
		"README.md",
		".taskvault",
		"Inbox/.processed",
		"agent_skills/planning.md",
		"agent_skills/email.md",
		"agent_skills/erp.md",
		"agent_skills/social.md",
	}
	for _, p := range expected {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			t.Errorf("%s does not exist: %v", p, err)
		}
	}
}

func TestRun_GeneratedConfigLoads(t *testing.T) {
	root := t.TempDir()
	if _, err := Run(root); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Backend != "cli" {
		t.Errorf("agent.backend: got %q, want cli", cfg.Agent.Backend)
	}
	if got := cfg.Adapters["odoo"].Kind; got != "dry_run" {
		t.Errorf("adapters.odoo.kind: got %q, want dry_run", got)
	}
	if len(cfg.Watcher.Patterns) != 2 {
		t.Errorf("watcher.patterns: got %v", cfg.Watcher.Patterns)
	}
}

func TestRun_KeepsExistingFiles(t *testing.T) {
	root := t.TempDir()
	custom := []byte("agent:\n  backend: dry_run\n")
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), custom, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Run(root); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(custom) {
		t.Errorf("config.yaml was overwritten: %q", data)
	}
}

func TestRun_Idempotent(t *testing.T) {
	root := t.TempDir()
	if _, err := Run(root); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := os.Remove(filepath.Join(root, string(model.StageRejected))); err != nil {
		t.Fatal(err)
	}

	created, err := Run(root)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(created) != 1 || created[0] != string(model.StageRejected) {
		t.Errorf("second Run created %v, want only %s", created, model.StageRejected)
	}
}
