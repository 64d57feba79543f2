package model

import (
	"errors"
)

var (
	ErrRequired    = errors.New("value is required")
	ErrNotPositive = errors.New("duration must be positive")
	ErrISOFormat   = errors.New("invalid ISO8601 duration")
)
