package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Files     FilesConfig     `yaml:"files"`
	Retention RetentionConfig `yaml:"retention"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

type FilesConfig struct {
	// UploadsDir holds the temporary decompressed gcode files during
	// prints.
	UploadsDir string `yaml:"uploads_dir"`
	// TempCSVDir holds generated history exports.
	TempCSVDir string `yaml:"tempcsv_dir"`
}

type RetentionConfig struct {
	// Days is how long job files are kept before clearspace purges them.
	Days int `yaml:"days"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Database: DatabaseConfig{
			Path: "printfarm.db",
		},
		Files: FilesConfig{
			UploadsDir: "uploads",
			TempCSVDir: "tempcsv",
		},
		Retention: RetentionConfig{
			Days: 182,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Resolve relative directories to absolute paths.
	dir, _ := os.Getwd()
	if !filepath.IsAbs(cfg.Files.UploadsDir) {
		cfg.Files.UploadsDir = filepath.Join(dir, cfg.Files.UploadsDir)
	}
	if !filepath.IsAbs(cfg.Files.TempCSVDir) {
		cfg.Files.TempCSVDir = filepath.Join(dir, cfg.Files.TempCSVDir)
	}

	return cfg, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
