package dockerfile

import "errors"

var (
	ErrUnsupported = errors.New("unsupported in a Dockerfile")
	ErrExists      = errors.New("file already exists")
	ErrWrite       = errors.New("failed to write Dockerfile")
	ErrBuild       = errors.New("docker build failed")
)
