package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLProvider implements ConfigProvider for YAML configuration files
type YAMLProvider struct {
	filename string
	config   *ConfigData
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// LoadConfig loads the complete configuration from the YAML file. Unknown
// keys are rejected so that a misspelled option does not silently fall back
// to its default.
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	if y.config != nil {
		return y.config, nil
	}

	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	config := &ConfigData{}
	dec := yaml.NewDecoder(bytes.NewReader(cfgFile))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", y.filename, err)
	}

	y.config = config
	return config, nil
}

// GetCalibration returns the calibration section
func (y *YAMLProvider) GetCalibration() (*CalibrationData, error) {
	config, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return &config.Calibration, nil
}

// GetBands returns the configured bands
func (y *YAMLProvider) GetBands() ([]BandData, error) {
	config, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return config.Bands, nil
}

// GetReferenceEvents returns the configured reference magnitudes
func (y *YAMLProvider) GetReferenceEvents() ([]ReferenceEventData, error) {
	config, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return config.ReferenceEvents, nil
}

// IsReadOnly returns true since YAML files are read-only in this implementation
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML provider
func (y *YAMLProvider) Close() error {
	return nil
}
