package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type Config struct {
	Mode        string      `mapstructure:"mode"`
	Port        int         `mapstructure:"port"`
	Secret      string      `mapstructure:"secret"`
	STUNServers []string    `mapstructure:"stun_servers"`
	Store       StoreConfig `mapstructure:"store"`
	Audio       AudioConfig `mapstructure:"audio"`
}

type StoreConfig struct {
	// Backend selects the session document store: memory, redis or firestore.
	Backend   string          `mapstructure:"backend"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type FirestoreConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

type AudioConfig struct {
	// InputPath is the ogg/opus source a headless participant captures
	// from. A missing file behaves like a missing microphone.
	InputPath string `mapstructure:"input_path"`
	// OutputDir is where remote audio is written.
	OutputDir string `mapstructure:"output_dir"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.firestore.collection", "studySessions")
	v.SetDefault("audio.input_path", "./audio/mic.ogg")
	v.SetDefault("audio.output_dir", ".")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %s\n", cfg.Mode, cfg.Port, cfg.Store.Backend)
	return &cfg, nil
}
