package host

import "errors"

var (
	ErrUnsupportedImage = errors.New("host engine only builds from scratch")
	ErrPlatform         = errors.New("host engine cannot build for platform")
	ErrWorkspace        = errors.New("workspace error")
)
