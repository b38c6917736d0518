// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the
// homeserver core.
//
// Configuration is loaded from a single file named by a --config flag,
// the HEARTH_CONFIG environment variable, or /etc/hearth/hearth.yaml,
// in that order of preference. There is no ~/.config discovery and no
// automatic file search, so a running server's configuration is always
// auditable from one file.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches.
//
// Variable expansion is performed on path and address fields after
// loading: ${HEARTH_DATA}, ${HOME}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct covering server identity, storage,
//     retention, presence, join, metrics, control, signing, and log
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other packages in this module.
package config
