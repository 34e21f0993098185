package build

import "errors"

var (
	ErrBuild               = errors.New("build failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrCopy                = errors.New("copy failed")
	ErrCommandFailed       = errors.New("command failed")
	ErrPlan                = errors.New("recipe planning failed")
	ErrCook                = errors.New("recipe cooking failed")
	ErrPromote             = errors.New("image promotion failed")
)
