// ABOUTME: Package documentation for configuration
// ABOUTME: One YAML file drives all pipeline binaries

// Package config loads the shared YAML configuration for the pipeline
// binaries. A single file configures the ingress server, the document
// store, the bus driver, and receipt tuning; each binary reads the
// sections it cares about. ${VAR} references in the file are expanded
// from the environment at load time.
package config
