package logging

import "errors"

// ErrInvalidFormat is returned when an unknown log format is configured
var ErrInvalidFormat = errors.New("invalid log format")
