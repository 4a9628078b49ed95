// Package logger provides structured logging for snapkeeper.
//
//   - logger.go: slog handler configuration and the dynamic level
//   - context.go: context-aware logging with request IDs
//   - redact.go: sensitive data redaction
package logger
