package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

const defaultEnvFile = ".env"

var (
	mu       sync.Mutex
	envFile  string
	exported = map[string]bool{}
)

// SetEnvFile makes later loads read path instead of ./.env. An empty path
// restores the default.
func SetEnvFile(path string) {
	mu.Lock()
	defer mu.Unlock()
	envFile = strings.TrimSpace(path)
}

func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New exports the env file into the process environment, once per file,
// and processes T from it. Variables already set in the environment win
// over the file.
func New[T any](prefix string) (*T, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, fmt.Errorf("config %s: %w", prefix, err)
	}
	return &conf, nil
}

func loadEnvFile() error {
	mu.Lock()
	defer mu.Unlock()

	path, required := envFile, true
	if path == "" {
		path, required = defaultEnvFile, false
	}
	if exported[path] {
		return nil
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !required:
		return nil
	case err != nil:
		return fmt.Errorf("failed to load env file: %w", err)
	case info.IsDir():
		return fmt.Errorf("failed to load env file: %s is a directory", path)
	}

	if err := exportEnvironment(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	exported[path] = true
	return nil
}

func exportEnvironment(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	for k, val := range v.AllSettings() {
		key := strings.ToUpper(k)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return err
		}
	}
	return nil
}
