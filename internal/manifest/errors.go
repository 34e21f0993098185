package manifest

import "errors"

var (
	ErrManifestMissing   = errors.New("manifest missing")
	ErrManifestMalformed = errors.New("manifest malformed")
)
