package cache

import "errors"

var (
	ErrIndex = errors.New("cache index error")
	ErrEntry = errors.New("cache entry error")
)
