// Package config loads koralReef's TOML configuration.
//
// Load starts from Default, decodes the file over it, expands paths, and
// validates the result. Validation failures wrap ErrInvalidConfig and are
// fatal at startup.
package config
