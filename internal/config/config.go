package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/HengLine/ai-diffusion-aigc/internal/model"
)

type Config struct {
	Server   ServerConfig
	Engine   EngineConfig
	Queue    QueueConfig
	Workflow WorkflowConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type EngineConfig struct {
	BaseURL        string
	ClientID       string
	PingTimeout    time.Duration
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollBackoffMax time.Duration
	MaxWait        time.Duration
	UploadFolder   string
}

type QueueConfig struct {
	Workers      int
	RetryCeiling int
	RetryBackoff time.Duration
	OutputDir    string
	JournalDir   string
	Retention    time.Duration
	CleanupCron  string
}

type WorkflowConfig struct {
	TemplateDir string
	// Templates maps task kinds to template names under TemplateDir.
	Templates map[model.TaskKind]string
	// Defaults are per-kind parameter defaults applied under submitted
	// parameters.
	Defaults map[model.TaskKind]map[string]any
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "3000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("engine.base_url", "http://127.0.0.1:8188")
	viper.SetDefault("engine.client_id", "hengline-aigc")
	viper.SetDefault("engine.ping_timeout", "3s")
	viper.SetDefault("engine.request_timeout", "120s")
	viper.SetDefault("engine.poll_interval", "1s")
	viper.SetDefault("engine.poll_backoff_max", "10s")
	viper.SetDefault("engine.max_wait", "5m")
	viper.SetDefault("engine.upload_folder", "uploads")
	viper.SetDefault("queue.workers", 1)
	viper.SetDefault("queue.retry_ceiling", 2)
	viper.SetDefault("queue.retry_backoff", "5s")
	viper.SetDefault("queue.output_dir", "./data/outputs")
	viper.SetDefault("queue.journal_dir", "./data/journal")
	viper.SetDefault("queue.retention", "168h")
	viper.SetDefault("queue.cleanup_cron", "0 3 * * *")
	viper.SetDefault("workflow.template_dir", "./workflows")
	viper.SetDefault("workflow.templates.text2img", "text2img")
	viper.SetDefault("workflow.templates.img2img", "img2img")
	viper.SetDefault("workflow.templates.text2video", "text2video")
	viper.SetDefault("workflow.templates.img2video", "img2video")
	viper.SetDefault("workflow.templates.scene-variant", "scene_variant")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
			Env:  viper.GetString("server.env"),
		},
		Engine: EngineConfig{
			BaseURL:        viper.GetString("engine.base_url"),
			ClientID:       viper.GetString("engine.client_id"),
			PingTimeout:    viper.GetDuration("engine.ping_timeout"),
			RequestTimeout: viper.GetDuration("engine.request_timeout"),
			PollInterval:   viper.GetDuration("engine.poll_interval"),
			PollBackoffMax: viper.GetDuration("engine.poll_backoff_max"),
			MaxWait:        viper.GetDuration("engine.max_wait"),
			UploadFolder:   viper.GetString("engine.upload_folder"),
		},
		Queue: QueueConfig{
			Workers:      viper.GetInt("queue.workers"),
			RetryCeiling: viper.GetInt("queue.retry_ceiling"),
			RetryBackoff: viper.GetDuration("queue.retry_backoff"),
			OutputDir:    viper.GetString("queue.output_dir"),
			JournalDir:   viper.GetString("queue.journal_dir"),
			Retention:    viper.GetDuration("queue.retention"),
			CleanupCron:  viper.GetString("queue.cleanup_cron"),
		},
		Workflow: WorkflowConfig{
			TemplateDir: viper.GetString("workflow.template_dir"),
			Templates:   templateMap(viper.GetStringMapString("workflow.templates")),
			Defaults:    defaultsMap(viper.GetStringMap("workflow.defaults")),
		},
	}

	return cfg, nil
}

func templateMap(raw map[string]string) map[model.TaskKind]string {
	out := make(map[model.TaskKind]string, len(raw))
	for k, v := range raw {
		if kind, ok := model.ParseTaskKind(k); ok {
			out[kind] = v
		}
	}
	return out
}

func defaultsMap(raw map[string]any) map[model.TaskKind]map[string]any {
	out := make(map[model.TaskKind]map[string]any)
	for k, v := range raw {
		kind, ok := model.ParseTaskKind(k)
		if !ok {
			continue
		}
		if params, ok := v.(map[string]any); ok {
			out[kind] = params
		}
	}
	return out
}
