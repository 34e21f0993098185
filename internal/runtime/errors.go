package runtime

import "errors"

var (
	ErrRuntime        = errors.New("runtime error")
	ErrNoManifest     = errors.New("image has no manifest for the platform")
	ErrEmptyArchive   = errors.New("archive contains no images")
	ErrMultipleImages = errors.New("archive contains more than one image")
	ErrNoSource       = errors.New("no image or archive to start from")
)
