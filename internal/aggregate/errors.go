package aggregate

import "errors"

// ErrUnanchoredPath is returned when a path has no resolved hop to start collapsing from.
var ErrUnanchoredPath = errors.New("path has no resolved hop")
