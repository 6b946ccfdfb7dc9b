package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := &Config{
		Agents: map[string]AgentDefinition{
			"writer": {Description: "copy", Model: "claude-sonnet-4-5"},
		},
		Engine: EngineConfig{MaxRetries: 3},
	}
	d := Diff(cfg, cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
}

func TestDiff_Agents(t *testing.T) {
	old := &Config{
		Agents: map[string]AgentDefinition{
			"writer":     {Description: "copy"},
			"researcher": {Description: "facts"},
		},
	}
	new := &Config{
		Agents: map[string]AgentDefinition{
			"writer":  {Description: "long-form copy"},
			"analyst": {Description: "numbers"},
		},
	}
	d := Diff(old, new)
	if len(d.AgentsAdded) != 1 || d.AgentsAdded[0] != "analyst" {
		t.Errorf("expected analyst added, got %v", d.AgentsAdded)
	}
	if len(d.AgentsRemoved) != 1 || d.AgentsRemoved[0] != "researcher" {
		t.Errorf("expected researcher removed, got %v", d.AgentsRemoved)
	}
	if len(d.AgentsChanged) != 1 || d.AgentsChanged[0] != "writer" {
		t.Errorf("expected writer changed, got %v", d.AgentsChanged)
	}
	if !d.HasChanges() {
		t.Error("expected changes")
	}
}

func TestDiff_Engine(t *testing.T) {
	old := &Config{Engine: EngineConfig{MaxRetries: 3}}
	new := &Config{Engine: EngineConfig{MaxRetries: 3, GateDependencies: true}}
	d := Diff(old, new)
	if !d.EngineChanged {
		t.Fatal("expected engine change")
	}
	if !d.NewEngine.GateDependencies {
		t.Error("expected new engine config to carry gating")
	}
}

func TestDiff_Scheduler(t *testing.T) {
	old := &Config{Scheduler: SchedulerConfig{PollInterval: 30 * time.Second}}
	new := &Config{Scheduler: SchedulerConfig{PollInterval: time.Minute}}
	d := Diff(old, new)
	if !d.SchedulerChanged || d.NewScheduler.PollInterval != time.Minute {
		t.Errorf("unexpected scheduler diff: %+v", d)
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := &Config{Web: WebConfig{Port: 8080}, Vault: VaultConfig{Passphrase: "a"}}
	new := &Config{Web: WebConfig{Port: 9090}, Vault: VaultConfig{Passphrase: "b"}}
	d := Diff(old, new)
	if d.HasChanges() {
		t.Error("non-reloadable fields must not count as reloadable changes")
	}
	if len(d.NonReloadable) != 2 {
		t.Errorf("expected 2 non-reloadable warnings, got %v", d.NonReloadable)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  max_retries: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	current, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan ConfigDiff, 1)
	err = Watch(ctx, path, current, func(old, new *Config) {
		select {
		case changed <- Diff(old, new):
		default:
		}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("engine:\n  max_retries: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-changed:
		if !d.EngineChanged || d.NewEngine.MaxRetries != 7 {
			t.Errorf("unexpected diff: %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
}
