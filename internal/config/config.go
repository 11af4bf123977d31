package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	TelegramBotToken string
	DatabaseURL      string
	RedisURL         string
	APIKey           string

	OpenAIAPIKey      string
	OpenAIModel       string
	AdvisorMaxHistory int

	EnsembleMethod  string
	BaseThreshold   float64
	MinTrainSamples int
	SampleInterval  string
	TrainWindowDays int
	TrainHourUTC    int
	TrainingEnabled bool
}

func Load() *Config {
	cfg := &Config{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		APIKey:           strings.TrimSpace(os.Getenv("API_KEY")),
	}

	if cfg.TelegramBotToken == "" {
		log.Println("Warning: TELEGRAM_BOT_TOKEN not set")
	}
	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.APIKey == "" {
		log.Println("Warning: API_KEY not set, mutating endpoints are unprotected")
	}

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if cfg.OpenAIAPIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set, advisor will be disabled")
	}

	cfg.OpenAIModel = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	cfg.AdvisorMaxHistory = 20
	if v := os.Getenv("ADVISOR_MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AdvisorMaxHistory = n
		}
	}

	cfg.EnsembleMethod = strings.ToLower(strings.TrimSpace(os.Getenv("ENSEMBLE_METHOD")))
	if cfg.EnsembleMethod == "" {
		cfg.EnsembleMethod = "stacking"
	}
	switch cfg.EnsembleMethod {
	case "stacking", "risk_weighted", "performance_voting":
	default:
		log.Printf("Warning: unsupported ENSEMBLE_METHOD=%q, defaulting to stacking", cfg.EnsembleMethod)
		cfg.EnsembleMethod = "stacking"
	}

	cfg.BaseThreshold = 0.5
	if v := strings.TrimSpace(os.Getenv("BASE_THRESHOLD")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n >= 0.35 && n <= 0.65 {
			cfg.BaseThreshold = n
		} else {
			log.Printf("Warning: BASE_THRESHOLD=%q outside [0.35, 0.65], keeping 0.5", v)
		}
	}

	cfg.MinTrainSamples = 20
	if v := strings.TrimSpace(os.Getenv("MIN_TRAIN_SAMPLES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MinTrainSamples = n
		}
	}

	cfg.SampleInterval = strings.TrimSpace(os.Getenv("SAMPLE_INTERVAL"))
	if cfg.SampleInterval == "" {
		cfg.SampleInterval = "1h"
	}

	cfg.TrainWindowDays = 90
	if v := strings.TrimSpace(os.Getenv("TRAIN_WINDOW_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TrainWindowDays = n
		}
	}

	cfg.TrainHourUTC = 0
	if v := strings.TrimSpace(os.Getenv("TRAIN_HOUR_UTC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 23 {
			cfg.TrainHourUTC = n
		}
	}

	cfg.TrainingEnabled = !strings.EqualFold(strings.TrimSpace(os.Getenv("TRAINING_ENABLED")), "false")

	return cfg
}
