package casegen

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultTemperature favours variety between generated cases.
const DefaultTemperature = 1.0

// Settings tunes case generation.
type Settings struct {
	// ExcludedConditions are overused diagnoses the model is told to avoid.
	ExcludedConditions []string `yaml:"excluded_conditions"`
	// Specialties are the fields a condition is drawn from; one is suggested per case.
	Specialties []string `yaml:"specialties"`
	// Temperature is the sampling temperature of the creator call.
	Temperature float64 `yaml:"temperature"`
}

// DefaultSettings returns the built-in generation settings.
func DefaultSettings() Settings {
	return Settings{
		ExcludedConditions: []string{"Common Cold", "Flu", "COVID"},
		Specialties:        []string{"Neurology", "Cardiology", "GI", "Endocrine", "Orthopedics"},
		Temperature:        DefaultTemperature,
	}
}

// LoadSettings reads settings from a YAML file. Fields absent from the file
// keep their defaults. An empty path returns the defaults.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("read case config %s: %w", path, err)
	}

	var fromFile Settings
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return settings, fmt.Errorf("parse case config %s: %w", path, err)
	}
	if fromFile.ExcludedConditions != nil {
		settings.ExcludedConditions = fromFile.ExcludedConditions
	}
	if len(fromFile.Specialties) > 0 {
		settings.Specialties = fromFile.Specialties
	}
	if fromFile.Temperature > 0 {
		settings.Temperature = fromFile.Temperature
	}

	slog.Debug("casegen.LoadSettings: loaded case config", "path", path,
		"excluded", len(settings.ExcludedConditions), "specialties", len(settings.Specialties), "temperature", settings.Temperature)
	return settings, nil
}
