// Package config provides configuration loading and validation for the
// conversation memory service. It handles YAML-based configuration with
// per-section struct validation and duration accessors.
package config
