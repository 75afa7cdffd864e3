package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	DatabaseDriver string
	JWTSecret      string
	RedisURL       string
	ReposDir       string
	CORSOrigin     string
	LogLevel       string

	OpenAIKey      string
	OpenAIBaseURL  string
	OpenAIModel    string
	TextGenTimeout time.Duration

	TypingTimeout    time.Duration
	SnapshotIdle     time.Duration
	SnapshotMaxDelay time.Duration
	WorkspaceIdle    time.Duration
	SendBuffer       int
	MessageRate      float64
	MessageBurst     int
}

// File is the optional YAML config file. Secrets are only read from
// the environment.
type File struct {
	Addr           string `yaml:"addr"`
	DatabaseURL    string `yaml:"database_url"`
	DatabaseDriver string `yaml:"database_driver"`
	RedisURL       string `yaml:"redis_url"`
	ReposDir       string `yaml:"repos_dir"`
	CORSOrigin     string `yaml:"cors_origin"`
	LogLevel       string `yaml:"log_level"`

	OpenAI struct {
		BaseURL string        `yaml:"base_url"`
		Model   string        `yaml:"model"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"openai"`

	Typing struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"typing"`

	Snapshot struct {
		Idle     time.Duration `yaml:"idle"`
		MaxDelay time.Duration `yaml:"max_delay"`
	} `yaml:"snapshot"`

	Workspace struct {
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	} `yaml:"workspace"`

	Socket struct {
		SendBuffer   int     `yaml:"send_buffer"`
		MessageRate  float64 `yaml:"message_rate"`
		MessageBurst int     `yaml:"message_burst"`
	} `yaml:"socket"`
}

func defaults() Config {
	return Config{
		Addr:           ":8080",
		DatabaseURL:    "file:collabspace.db",
		DatabaseDriver: "postgres",
		ReposDir:       "./data/repos",
		CORSOrigin:     "http://localhost:3000",
		LogLevel:       "info",

		OpenAIBaseURL:  "https://api.openai.com/v1",
		OpenAIModel:    "gpt-4o-mini",
		TextGenTimeout: 10 * time.Second,

		TypingTimeout:    3 * time.Second,
		SnapshotIdle:     10 * time.Second,
		SnapshotMaxDelay: time.Minute,
		WorkspaceIdle:    10 * time.Minute,
		SendBuffer:       256,
		MessageRate:      50,
		MessageBurst:     100,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// --config, .env (if present), the environment and then flags in args.
// Later sources win.
func Load(args []string) (Config, error) {
	flags := pflag.NewFlagSet("collabspace", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to a YAML config file")
	envFile := flags.String("env-file", ".env", "path to a dotenv file")
	addr := flags.String("addr", "", "listen address (overrides API_ADDR)")
	logLevel := flags.String("log-level", "", "log level (overrides LOG_LEVEL)")
	reposDir := flags.String("repos-dir", "", "directory for workspace repositories (overrides REPOS_DIR)")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaults()
	if *configFile != "" {
		f, err := ReadFile(*configFile)
		if err != nil {
			return Config{}, err
		}
		f.apply(&cfg)
	}

	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load(*envFile)

	cfg.Addr = getenv("API_ADDR", cfg.Addr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DatabaseDriver = getenv("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET"))
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.ReposDir = getenv("REPOS_DIR", cfg.ReposDir)
	cfg.CORSOrigin = getenv("CORS_ORIGIN", cfg.CORSOrigin)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	cfg.OpenAIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.OpenAIBaseURL = getenv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIModel = getenv("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.TextGenTimeout = getenvDuration("TEXTGEN_TIMEOUT", cfg.TextGenTimeout)

	cfg.TypingTimeout = getenvDuration("TYPING_TIMEOUT", cfg.TypingTimeout)
	cfg.SnapshotIdle = getenvDuration("SNAPSHOT_IDLE", cfg.SnapshotIdle)
	cfg.SnapshotMaxDelay = getenvDuration("SNAPSHOT_MAX_DELAY", cfg.SnapshotMaxDelay)
	cfg.WorkspaceIdle = getenvDuration("WORKSPACE_IDLE_TIMEOUT", cfg.WorkspaceIdle)
	cfg.SendBuffer = getenvInt("SEND_BUFFER", cfg.SendBuffer)
	cfg.MessageRate = getenvFloat("MESSAGE_RATE", cfg.MessageRate)
	cfg.MessageBurst = getenvInt("MESSAGE_BURST", cfg.MessageBurst)

	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *reposDir != "" {
		cfg.ReposDir = *reposDir
	}
	return cfg, nil
}

// ReadFile parses a YAML config file. Unknown keys are rejected.
func ReadFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, fmt.Errorf("config file %s does not exist", path)
		}
		return f, fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return f, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return f, nil
}

// apply copies every non-zero value in f onto cfg.
func (f File) apply(cfg *Config) {
	setString(&cfg.Addr, f.Addr)
	setString(&cfg.DatabaseURL, f.DatabaseURL)
	setString(&cfg.DatabaseDriver, f.DatabaseDriver)
	setString(&cfg.RedisURL, f.RedisURL)
	setString(&cfg.ReposDir, f.ReposDir)
	setString(&cfg.CORSOrigin, f.CORSOrigin)
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.OpenAIBaseURL, f.OpenAI.BaseURL)
	setString(&cfg.OpenAIModel, f.OpenAI.Model)

	setPositive(&cfg.TextGenTimeout, f.OpenAI.Timeout)
	setPositive(&cfg.TypingTimeout, f.Typing.Timeout)
	setPositive(&cfg.SnapshotIdle, f.Snapshot.Idle)
	setPositive(&cfg.SnapshotMaxDelay, f.Snapshot.MaxDelay)
	setPositive(&cfg.WorkspaceIdle, f.Workspace.IdleTimeout)
	setPositive(&cfg.SendBuffer, f.Socket.SendBuffer)
	setPositive(&cfg.MessageRate, f.Socket.MessageRate)
	setPositive(&cfg.MessageBurst, f.Socket.MessageBurst)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setPositive[T time.Duration | int | float64](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

// getenvDuration accepts Go durations ("5s") or bare milliseconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
