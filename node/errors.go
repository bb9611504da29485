package node

import "errors"

var (
	ErrNameRequired   = errors.New("node name is required")
	ErrInvalidTTL     = errors.New("ttl must be greater than 0")
	ErrInvalidPeriod  = errors.New("period must be greater than 0")
	ErrInvalidConnExp = errors.New("connection expiration threshold must be greater than 0")
	ErrNotStarted     = errors.New("node is not started")
)
