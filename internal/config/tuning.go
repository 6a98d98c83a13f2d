// Package config loads and validates the inspection server's tuning
// parameters. All fields are pointers so that a partial JSON file only
// overrides what it names; the Get* methods supply defaults for the rest.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and runtime inspection.
type TuningConfig struct {
	// Trigger params
	TriggerX         *int `json:"trigger_x,omitempty"` // 0 or absent means frame midpoint
	TriggerTolerance *int `json:"trigger_tolerance,omitempty"`

	// Tracker params
	MaxDisappeared     *int     `json:"max_disappeared,omitempty"`
	MaxDistance        *float64 `json:"max_distance,omitempty"`
	TrackNearThreshold *float64 `json:"track_near_threshold,omitempty"`

	// Defect image params
	SaveDefectImages *bool   `json:"save_defect_images,omitempty"`
	ImagesDir        *string `json:"images_dir,omitempty"`

	// Storage params
	DBPath        *string `json:"db_path,omitempty"`
	MigrationsDir *string `json:"migrations_dir,omitempty"`
	CloseTimeout  *string `json:"close_timeout,omitempty"` // duration string like "5s"

	// Record metadata
	ProductionLot *string `json:"production_lot,omitempty"`

	// Network params
	ListenAddr *string `json:"listen_addr,omitempty"`
	IngestAddr *string `json:"ingest_addr,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and stay under the max file size. Fields omitted from
// the JSON retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.TriggerX != nil && *c.TriggerX < 0 {
		return fmt.Errorf("trigger_x must be non-negative, got %d", *c.TriggerX)
	}
	if c.TriggerTolerance != nil && *c.TriggerTolerance < 0 {
		return fmt.Errorf("trigger_tolerance must be non-negative, got %d", *c.TriggerTolerance)
	}
	if c.MaxDisappeared != nil && *c.MaxDisappeared < 0 {
		return fmt.Errorf("max_disappeared must be non-negative, got %d", *c.MaxDisappeared)
	}
	if c.MaxDistance != nil && *c.MaxDistance <= 0 {
		return fmt.Errorf("max_distance must be positive, got %f", *c.MaxDistance)
	}
	if c.TrackNearThreshold != nil && *c.TrackNearThreshold <= 0 {
		return fmt.Errorf("track_near_threshold must be positive, got %f", *c.TrackNearThreshold)
	}
	if c.CloseTimeout != nil && *c.CloseTimeout != "" {
		if _, err := time.ParseDuration(*c.CloseTimeout); err != nil {
			return fmt.Errorf("invalid close_timeout '%s': %w", *c.CloseTimeout, err)
		}
	}
	return nil
}

// GetTriggerX returns the trigger_x value or 0, meaning the frame midpoint.
func (c *TuningConfig) GetTriggerX() int {
	if c.TriggerX == nil {
		return 0
	}
	return *c.TriggerX
}

// GetTriggerTolerance returns the trigger_tolerance value or the default.
func (c *TuningConfig) GetTriggerTolerance() int {
	if c.TriggerTolerance == nil {
		return 15
	}
	return *c.TriggerTolerance
}

// GetMaxDisappeared returns the max_disappeared value or the default.
func (c *TuningConfig) GetMaxDisappeared() int {
	if c.MaxDisappeared == nil {
		return 30
	}
	return *c.MaxDisappeared
}

// GetMaxDistance returns the max_distance value or the default.
func (c *TuningConfig) GetMaxDistance() float64 {
	if c.MaxDistance == nil {
		return 50
	}
	return *c.MaxDistance
}

// GetTrackNearThreshold returns the track_near_threshold value or the default.
func (c *TuningConfig) GetTrackNearThreshold() float64 {
	if c.TrackNearThreshold == nil {
		return 50
	}
	return *c.TrackNearThreshold
}

// GetSaveDefectImages returns the save_defect_images value or the default.
func (c *TuningConfig) GetSaveDefectImages() bool {
	if c.SaveDefectImages == nil {
		return true
	}
	return *c.SaveDefectImages
}

// GetImagesDir returns the images_dir value or the default.
func (c *TuningConfig) GetImagesDir() string {
	if c.ImagesDir == nil || *c.ImagesDir == "" {
		return "defect_images"
	}
	return *c.ImagesDir
}

// GetDBPath returns the db_path value or the default.
func (c *TuningConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "defects.db"
	}
	return *c.DBPath
}

// GetMigrationsDir returns the migrations_dir value, or "" to use the
// built-in schema without running migrations.
func (c *TuningConfig) GetMigrationsDir() string {
	if c.MigrationsDir == nil {
		return ""
	}
	return *c.MigrationsDir
}

// GetCloseTimeout parses and returns the CloseTimeout as a time.Duration.
func (c *TuningConfig) GetCloseTimeout() time.Duration {
	if c.CloseTimeout == nil || *c.CloseTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(*c.CloseTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetProductionLot returns the production_lot pointer, nil when unset, so
// records carry no lot rather than an empty string.
func (c *TuningConfig) GetProductionLot() *string {
	if c.ProductionLot == nil || *c.ProductionLot == "" {
		return nil
	}
	return c.ProductionLot
}

// GetListenAddr returns the listen_addr value or the default.
func (c *TuningConfig) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return ":8080"
	}
	return *c.ListenAddr
}

// GetIngestAddr returns the ingest_addr value or the default.
func (c *TuningConfig) GetIngestAddr() string {
	if c.IngestAddr == nil || *c.IngestAddr == "" {
		return ":9900"
	}
	return *c.IngestAddr
}
