// Package log provides secure logging built on log/slog.
//
// The SecureHandler masks sensitive information before it reaches the
// wrapped handler:
//   - HTTP headers (Authorization, Cookie, X-Api-Key)
//   - platform API keys, proxy passwords and tokens
//   - AWS style access key IDs and secret access keys
//   - credential query parameters and user info inside URLs
//
// Even in verbose mode, sensitive values are masked, so logs can be shared
// when reporting a problem with the measurement platform.
//
// # Usage
//
//	logger := log.NewSecureLogger(os.Stderr, verbose)
//	logger.Debug("request", "url", "https://platform.example/api?apikey=abc")
//	// url=https://platform.example/api?apikey=%2A%2A%2AREDACTED%2A%2A%2A
//	slog.SetDefault(logger)
package log
