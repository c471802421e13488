package config

import "errors"

// Configuration validation errors returned by Config.Validate.
var (
	// ErrNoInput is returned when no measurement file is given.
	ErrNoInput = errors.New("no input specified: provide at least one measurement file")

	// ErrInvalidServiceURL is returned when the service URL is not an absolute http(s) URL.
	ErrInvalidServiceURL = errors.New("invalid service url: must be an absolute http or https url")

	// ErrInvalidTimeout is returned when the timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrInvalidRateLimit is returned when the request rate is negative.
	ErrInvalidRateLimit = errors.New("invalid rate limit: must be non-negative")

	// ErrInvalidRetries is returned when the retry count is not positive.
	ErrInvalidRetries = errors.New("invalid retries: must be positive")

	// ErrInvalidWorkers is returned when the worker count is not positive.
	ErrInvalidWorkers = errors.New("invalid workers: must be positive")

	// ErrInvalidBatchSize is returned when the destination concurrency is not positive.
	ErrInvalidBatchSize = errors.New("invalid batch size: must be positive")

	// ErrInvalidLookupBatchSize is returned when the IP->AS batch size is not positive.
	ErrInvalidLookupBatchSize = errors.New("invalid lookup batch size: must be positive")

	// ErrInvalidMinAttempts is returned when the minimum attempts count is not positive.
	ErrInvalidMinAttempts = errors.New("invalid min attempts: must be positive")

	// ErrInvalidCacheTTL is returned when the result cache TTL is negative.
	ErrInvalidCacheTTL = errors.New("invalid cache ttl: must be non-negative")

	// ErrConflictingReportFormats is returned when both --json and --markdown
	// are specified.
	ErrConflictingReportFormats = errors.New("conflicting report formats: --json and --markdown cannot be used together")

	// ErrUploadSettingsWithoutUpload is returned when settings upload is
	// requested without path upload.
	ErrUploadSettingsWithoutUpload = errors.New("--upload-settings requires --upload")
)
