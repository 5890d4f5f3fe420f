package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/icssc/auth/internal/logger"
)

// secretsClient is the subset of the Secrets Manager API used here.
type secretsClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadEnv pulls secrets from AWS Secrets Manager (if configured) and then loads
// local .env files. Values already in the environment win over .env files.
// A failed secrets fetch is returned so the caller can decide whether to
// continue; .env problems are only logged.
func LoadEnv(ctx context.Context, defaultEnvPath string) error {
	err := loadAWSSecretsIntoEnv(ctx, nil)
	if err != nil {
		logger.From(ctx).Warn("skipping AWS Secrets Manager load", logger.Err(err))
	}
	loadDotEnv(ctx, defaultEnvPath)
	return err
}

func loadDotEnv(ctx context.Context, defaultEnvPath string) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}

	if err := godotenv.Load(envFile); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(); err != nil {
			// Don't log if running in K8s/Docker where env is injected
			if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
				logger.From(ctx).Info(".env file not found, using process environment", zap.String("path", envFile))
			}
		}
	}
}

func loadAWSSecretsIntoEnv(ctx context.Context, client secretsClient) error {
	log := logger.From(ctx).With(logger.Op("secrets"))

	secretID := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID == "" {
		secretID = os.Getenv("AWS_SECRET_ID")
	}
	if secretID == "" {
		log.Debug("no secret id provided, skipping fetch")
		return nil
	}

	versionStage := os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}
	overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")

	if client == nil {
		cfg, err := loadAWSConfig(ctx, os.Getenv("AWS_SECRETS_MANAGER_REGION"))
		if err != nil {
			return fmt.Errorf("loading aws config: %w", err)
		}
		client = secretsmanager.NewFromConfig(cfg)
	}

	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case output.SecretString != nil:
		payload = *output.SecretString
	case len(output.SecretBinary) > 0:
		payload = string(output.SecretBinary)
	default:
		return fmt.Errorf("secret %s has no payload", secretID)
	}

	applied, err := applySecretJSON(payload, overwrite)
	if err != nil {
		return fmt.Errorf("secret %s: %w", secretID, err)
	}
	log.Info("loaded env vars from AWS Secrets Manager",
		zap.String("secret_id", secretID),
		zap.Int("applied", applied),
		zap.Bool("overwrite", overwrite),
	)
	return nil
}

// applySecretJSON sets each top-level key of a JSON object as an env var.
// Existing variables are kept unless overwrite is set.
func applySecretJSON(payload string, overwrite bool) (int, error) {
	var kv map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return 0, fmt.Errorf("parsing as JSON: %w", err)
	}
	if kv == nil {
		return 0, errors.New("payload is not a JSON object")
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx)
}
