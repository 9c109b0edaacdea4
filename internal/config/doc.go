// Package config loads and validates the docmill TOML configuration.
//
// Configuration resolves in three steps: repository defaults, the TOML file
// (default ~/.config/docmill/config.toml), then path expansion. Zero or
// missing numeric values fall back to defaults so a partial file stays valid.
package config
