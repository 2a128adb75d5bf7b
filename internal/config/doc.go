// Package config loads, normalizes, and validates kbforge configuration data.
//
// It supplies repository defaults (including the task kind table), expands
// user paths, reads TOML files, and honours environment fallbacks such as
// KBFORGE_API_TOKEN and per-backend api_key_env. Always obtain settings through
// this package so downstream code receives sanitized paths and clear
// validation errors.
package config
