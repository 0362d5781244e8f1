package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"procodus.dev/telemetry/internal/auth"
	"procodus.dev/telemetry/internal/store"
	"procodus.dev/telemetry/pkg/logger"
)

const metricsNamespace = "telemetry"

// InitConfig initializes Viper configuration from the config file,
// TELEMETRY_* environment variables and defaults.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/telemetry/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("TELEMETRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", logger.FormatJSON)
	viper.SetDefault("timezone", "UTC")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "telemetry")
	viper.SetDefault("db.password", "")
	viper.SetDefault("db.name", "telemetry")
	viper.SetDefault("db.sslmode", "disable")

	viper.SetDefault("auth.required", true)

	viper.SetDefault("server.http.port", 8080)
	viper.SetDefault("server.grpc.port", 0)

	viper.SetDefault("amqp.url", "")
	viper.SetDefault("amqp.queue_name", "telemetry-ingest")

	viper.SetDefault("retention.days", 90)
}

// GetLogger creates the logger for command from the log.* settings.
func GetLogger(command string) *slog.Logger {
	return logger.New(&logger.Config{
		Level:   logger.ParseLevel(viper.GetString("log.level")),
		Format:  viper.GetString("log.format"),
		Command: command,
	})
}

// loadLocation resolves the timezone setting.
func loadLocation() (*time.Location, error) {
	name := viper.GetString("timezone")
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", name, err)
	}
	return loc, nil
}

// dbConfig builds the database configuration from the db.* settings.
func dbConfig(log *slog.Logger, skipMigrations bool) *store.DBConfig {
	return &store.DBConfig{
		Logger:         log,
		Host:           viper.GetString("db.host"),
		Port:           viper.GetInt("db.port"),
		User:           viper.GetString("db.user"),
		Password:       viper.GetString("db.password"),
		DBName:         viper.GetString("db.name"),
		SSLMode:        viper.GetString("db.sslmode"),
		SkipMigrations: skipMigrations,
	}
}

// loadCredentials reads auth.keys either as a list of {key, label}
// entries from the config file or as a "key=Label;key2=Label 2" string,
// which is how TELEMETRY_AUTH_KEYS arrives.
func loadCredentials() (*auth.Credentials, error) {
	var creds []auth.Credential

	switch raw := viper.Get("auth.keys").(type) {
	case nil:
	case string:
		parsed, err := auth.ParseKeyList(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse auth.keys: %w", err)
		}
		creds = parsed
	default:
		if err := viper.UnmarshalKey("auth.keys", &creds); err != nil {
			return nil, fmt.Errorf("failed to decode auth.keys: %w", err)
		}
	}

	return auth.New(viper.GetBool("auth.required"), creds)
}
