package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gradingnode/internal/common/cache"
	"gradingnode/internal/common/mq"
	"gradingnode/internal/common/storage"
	"gradingnode/internal/grading/artifact"
	"gradingnode/internal/grading/executor"
	"gradingnode/internal/grading/sandbox/config"
	"gradingnode/internal/grading/sandbox/engine"
	"gradingnode/internal/grading/sandbox/profile"
	"gradingnode/internal/grading/sandbox/runner"
	"gradingnode/internal/grading/sandbox/spec"
	"gradingnode/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultGRPCAddr        = "0.0.0.0:8080"
	defaultHTTPAddr        = "0.0.0.0:8081"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultWorkRoot        = "/var/lib/gradingnode/work"
	defaultStatusTTL       = 30 * time.Minute
	defaultFinalTopic      = "grading.status.final"
)

// ServerConfig holds listener settings.
type ServerConfig struct {
	GRPCAddr     string        `yaml:"grpcAddr"`
	HTTPAddr     string        `yaml:"httpAddr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// WorkerConfig holds admission settings.
type WorkerConfig struct {
	MaxActive    int           `yaml:"maxActive"`
	QueueTimeout time.Duration `yaml:"queueTimeout"`
	Timeout      time.Duration `yaml:"timeout"`
}

// GradingConfig holds executor settings.
type GradingConfig struct {
	WorkRoot      string             `yaml:"workRoot"`
	DefaultFanOut int                `yaml:"defaultFanOut"`
	BuildLimits   spec.ResourceLimit `yaml:"buildLimits"`
}

// RunnerConfig holds sandbox runner settings.
type RunnerConfig struct {
	MaxConcurrent    int64  `yaml:"maxConcurrent"`
	ContainerWorkDir string `yaml:"containerWorkDir"`
}

// SandboxConfig holds sandbox engine settings.
type SandboxConfig struct {
	WorkRoot           string        `yaml:"workRoot"`
	CgroupRoot         string        `yaml:"cgroupRoot"`
	SeccompDir         string        `yaml:"seccompDir"`
	HelperPath         string        `yaml:"helperPath"`
	StderrMaxBytes     int64         `yaml:"stderrMaxBytes"`
	DefaultOutputBytes int64         `yaml:"defaultOutputBytes"`
	DefaultWallTimeMs  int64         `yaml:"defaultWallTimeMs"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	EnableSeccomp      bool          `yaml:"enableSeccomp"`
	EnableCgroup       bool          `yaml:"enableCgroup"`
	EnableNamespaces   bool          `yaml:"enableNamespaces"`
}

// LanguageConfig holds language definitions.
type LanguageConfig struct {
	Languages []profile.LanguageSpec `yaml:"languages"`
	Profiles  []profile.TaskProfile  `yaml:"profiles"`
}

// StatusConfig holds status persistence settings.
type StatusConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	FinalTopic string        `yaml:"finalTopic"`
}

// AppConfig holds grading-node config.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Worker    WorkerConfig        `yaml:"worker"`
	Grading   GradingConfig       `yaml:"grading"`
	Runner    RunnerConfig        `yaml:"runner"`
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	Language  LanguageConfig      `yaml:"language"`
	Artifacts artifact.Config     `yaml:"artifacts"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	Kafka     mq.KafkaConfig      `yaml:"kafka"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	Status    StatusConfig        `yaml:"status"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Language.Languages) == 0 {
		return nil, fmt.Errorf("at least one language is required")
	}
	if err := cfg.Language.validate(); err != nil {
		return nil, err
	}
	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = defaultGRPCAddr
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Worker.MaxActive <= 0 {
		cfg.Worker.MaxActive = 1
	}
	if cfg.Grading.WorkRoot == "" {
		cfg.Grading.WorkRoot = defaultWorkRoot
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Status.FinalTopic == "" {
		cfg.Status.FinalTopic = defaultFinalTopic
	}
	if cfg.Artifacts.DefaultBucket == "" {
		cfg.Artifacts.DefaultBucket = cfg.MinIO.Bucket
	}
	return &cfg, nil
}

// validate checks that every language can resolve the task profiles grading needs.
func (c LanguageConfig) validate() error {
	repo := config.NewLocalRepository(c.Languages, c.Profiles)
	ctx := context.Background()
	for _, lang := range c.Languages {
		tasks := []profile.TaskType{profile.TaskTypeRun, profile.TaskTypeChecker}
		if lang.CompileEnabled {
			tasks = append(tasks, profile.TaskTypeCompile)
		}
		for _, task := range tasks {
			if _, err := repo.GetTaskProfile(ctx, task, lang.ID); err != nil {
				return fmt.Errorf("language %s: %w", lang.ID, err)
			}
		}
	}
	return nil
}

func (c SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		WorkRoot:           c.WorkRoot,
		CgroupRoot:         c.CgroupRoot,
		SeccompDir:         c.SeccompDir,
		HelperPath:         c.HelperPath,
		StderrMaxBytes:     c.StderrMaxBytes,
		DefaultOutputBytes: c.DefaultOutputBytes,
		DefaultWallTimeMs:  c.DefaultWallTimeMs,
		PollInterval:       c.PollInterval,
		EnableSeccomp:      c.EnableSeccomp,
		EnableCgroup:       c.EnableCgroup,
		EnableNamespaces:   c.EnableNamespaces,
	}
}

func (c RunnerConfig) toRunnerConfig() runner.Config {
	return runner.Config{MaxConcurrent: c.MaxConcurrent, ContainerWorkDir: c.ContainerWorkDir}
}

func (c GradingConfig) toExecutorConfig() executor.Config {
	return executor.Config{WorkRoot: c.WorkRoot, DefaultFanOut: c.DefaultFanOut, BuildLimits: c.BuildLimits}
}

func (c WorkerConfig) toManagerConfig() executor.ManagerConfig {
	return executor.ManagerConfig{MaxActive: c.MaxActive, QueueTimeout: c.QueueTimeout, WorkerTimeout: c.Timeout}
}
