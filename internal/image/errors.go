package image

import "errors"

var (
	ErrInvalidArchive = errors.New("invalid image archive")
	ErrImageNotFound  = errors.New("image not found")
	ErrInvalidRef     = errors.New("invalid image reference")
	ErrStore          = errors.New("image store error")
)
