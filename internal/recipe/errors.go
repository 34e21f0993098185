package recipe

import (
	"errors"

	"github.com/kilnhq/kiln/internal/manifest"
)

var (
	ErrManifestMissing   = manifest.ErrManifestMissing
	ErrManifestMalformed = manifest.ErrManifestMalformed
	ErrInvalidRecipe     = errors.New("invalid recipe")
	ErrMaterialize       = errors.New("materialize failed")
)
