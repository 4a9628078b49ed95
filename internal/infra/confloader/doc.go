// Package confloader provides configuration loading mechanism.
//
// This package implements a configuration loader that supports multiple
// sources using koanf as the underlying library.
//
// Priority (highest to lowest):
//
//  1. Overrides (command-line flags)
//  2. Environment variables (SNAPKEEPER_SECTION__KEY)
//  3. Configuration file (YAML)
//  4. Default values already present in the target struct
//
// Watcher reports edits of the configuration file so that reloadable
// settings such as the log level can be re-applied at runtime.
package confloader
