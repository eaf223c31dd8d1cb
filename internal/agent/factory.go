package agent

import (
	"context"
	"fmt"

	"github.com/home-assistant/core-sub043/internal/config"
	"github.com/home-assistant/core-sub043/internal/hub"
)

// NewFromConfig creates an Agent implementation based on the agent config type.
func NewFromConfig(ctx context.Context, cfg config.AgentConfig, logger hub.Logger) (hub.Agent, error) {
	switch cfg.Type {
	case "local":
		if cfg.BackupDir == "" {
			return nil, fmt.Errorf("local agent requires backup_dir to be set")
		}
		return NewLocal(cfg.BackupDir, logger)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 agent requires s3_bucket to be set")
		}
		return NewS3(ctx, S3Config{
			Name:            cfg.Name,
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown agent type: %s", cfg.Type)
	}
}
