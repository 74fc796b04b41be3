package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gradingnode/internal/grading/sandbox/config"
	"gradingnode/internal/grading/sandbox/profile"
)

const shippedConfig = "../../configs/grading_node.yaml"

func TestShippedConfigResolvesProfiles(t *testing.T) {
	cfg, err := loadAppConfig(shippedConfig)
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	repo := config.NewLocalRepository(cfg.Language.Languages, cfg.Language.Profiles)
	ctx := context.Background()
	for _, lang := range cfg.Language.Languages {
		run, err := repo.GetTaskProfile(ctx, profile.TaskTypeRun, lang.ID)
		if err != nil {
			t.Fatalf("%s run profile: %v", lang.ID, err)
		}
		if run.DefaultLimits.WallTimeMs <= 0 {
			t.Fatalf("%s run profile has no wall limit", lang.ID)
		}
		checker, err := repo.GetTaskProfile(ctx, profile.TaskTypeChecker, lang.ID)
		if err != nil {
			t.Fatalf("%s checker profile: %v", lang.ID, err)
		}
		if checker.DefaultLimits.WallTimeMs <= 0 {
			t.Fatalf("%s checker profile has no wall limit", lang.ID)
		}
		if lang.CompileEnabled {
			if _, err := repo.GetTaskProfile(ctx, profile.TaskTypeCompile, lang.ID); err != nil {
				t.Fatalf("%s compile profile: %v", lang.ID, err)
			}
		}
	}
	if cfg.Sandbox.toEngineConfig().DefaultWallTimeMs <= 0 {
		t.Fatalf("expected a node default wall limit")
	}
}

func TestLoadAppConfigRejectsMissingChecker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	data := `
language:
  languages:
    - id: python3
      runCmd: "python3 {src}"
  profiles:
    - languageId: python3
      taskType: run
      defaultLimits:
        cpuTimeMs: 1000
        wallTimeMs: 3000
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := loadAppConfig(path)
	if err == nil || !strings.Contains(err.Error(), "python3") {
		t.Fatalf("expected missing checker profile error, got %v", err)
	}
}

func TestLoadAppConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	data := `
language:
  languages:
    - id: python3
      runCmd: "python3 {src}"
  profiles:
    - languageId: default
      taskType: run
    - languageId: default
      taskType: checker
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.GRPCAddr != defaultGRPCAddr || cfg.Status.TTL != defaultStatusTTL || cfg.Worker.MaxActive != 1 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
