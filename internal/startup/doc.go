// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// [Load] builds a [Config] in three layers: [Default] values, then an
// optional TOML file (the --config flag or CONFIG_FILE), then environment
// variables. [SampleConfig] returns an annotated file listing every option
// with the environment variable that overrides it.
//
// Values that fail to parse fall back to their defaults with a warning.
// Names that select a component are checked strictly: an unknown
// STORE_BACKEND, PROVIDER or TARGET_CODEC, a remote provider without
// REMOTE_PROVIDER_URL, or a PUBLIC_BASE_URL that is not an absolute http(s)
// URL fail startup.
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo]:
//   - Version: Application version
//   - Commit: Git commit hash
//   - BuildTime: Build timestamp
//   - GoVersion: Go compiler version
//
// # Lifecycle Logging
//
// [LoadConfig] prints the banner, system information and the resolved
// configuration. The Log* functions print the remaining startup sections
// (database, artifact store, provider, janitor, HTTP routes) and the
// shutdown steps, so every deployment logs the same sequence.
package startup
