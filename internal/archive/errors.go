package archive

import "errors"

var (
	ErrUnsafePath  = errors.New("archive entry escapes destination")
	ErrUnsupported = errors.New("unsupported archive entry")
)
