// Package logging provides a simple leveled logging interface for the
// feed transcoder.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//   - FATAL: Fatal errors that terminate the application
//
// The level is configured via the LOG_LEVEL environment variable (DEBUG=true
// forces debug). Records are emitted through log/slog; LOG_FORMAT=json
// switches from the text handler to the JSON handler.
package logging
