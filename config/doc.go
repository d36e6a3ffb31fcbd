// Package config loads the agent's TOML configuration file. Command line
// flags set explicitly take precedence over file values.
package config
