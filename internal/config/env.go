package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3100"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile  string `envconfig:"LOG_FILE"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".specguild/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"specguild/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type DatabaseEnv struct {
	DBPath string `envconfig:"DB_PATH" default:".specguild/specguild.db"`
}

// SchedulerEnv holds the sweep schedules (cron specs, "@every 30s" style)
// and the worker idle thresholds.
type SchedulerEnv struct {
	WatchSchedule          string        `envconfig:"WATCH_SCHEDULE" default:"@every 30s"`
	MonitorSchedule        string        `envconfig:"MONITOR_SCHEDULE" default:"@every 30s"`
	AutoTransitionSchedule string        `envconfig:"AUTO_TRANSITION_SCHEDULE" default:"@every 1m"`
	DispatchSchedule       string        `envconfig:"DISPATCH_SCHEDULE" default:"@every 15s"`
	IdleCompleteAfter      time.Duration `envconfig:"IDLE_COMPLETE_AFTER" default:"10m"`
	IdleFailAfter          time.Duration `envconfig:"IDLE_FAIL_AFTER" default:"20m"`
	ActivityWindow         int           `envconfig:"ACTIVITY_WINDOW" default:"50"`
}

type FailureEnv struct {
	ReportDir    string `envconfig:"REPORT_DIR" default:".specguild/reports"`
	AutoApprove  bool   `envconfig:"AUTO_APPROVE" default:"false"`
	AutoApprover string `envconfig:"AUTO_APPROVER" default:"specguild-auto-approver"`
}

type WorkerEnv struct {
	RepoPath       string `envconfig:"REPO_PATH" default:"."`
	PermissionMode string `envconfig:"PERMISSION_MODE" default:"acceptEdits"`
	MaxTurns       int    `envconfig:"MAX_TURNS" default:"200"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:admin@example.com"`
}

type RedisEnv struct {
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"specguild:events"`
}

type TelemetryEnv struct {
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"specguild"`
}

type Env struct {
	BaseEnv
	StorageEnv
	DatabaseEnv
	SchedulerEnv
	FailureEnv
	WorkerEnv
	VAPIDEnv
	RedisEnv
	TelemetryEnv
}

const namespace = "SPECGUILD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if env.IdleFailAfter <= env.IdleCompleteAfter {
		return nil, fmt.Errorf("IDLE_FAIL_AFTER (%s) must be longer than IDLE_COMPLETE_AFTER (%s)",
			env.IdleFailAfter, env.IdleCompleteAfter)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (e *BaseEnv) IsLocal() bool {
	return e.Env == "local"
}

func (e *VAPIDEnv) PushEnabled() bool {
	return e.VAPIDPublicKey != "" && e.VAPIDPrivateKey != ""
}
