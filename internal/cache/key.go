package cache

import (
	"encoding/binary"
	"encoding/json"
	"hash"

	"github.com/opencontainers/go-digest"
)

// Key schema version. Bumping it invalidates every stored layer.
const keyVersion = "kiln-layer-v1"

// Returns the key a stage starts from.
//
// The source identity is an image digest, the final key of another stage,
// or a fixed name such as "scratch".
func RootKey(engine, platform, source string) digest.Digest {
	d := digest.SHA256.Digester()
	h := d.Hash()
	writeField(h, keyVersion)
	writeField(h, engine)
	writeField(h, platform)
	writeField(h, source)
	return d.Digest()
}

// Returns the key of a step given the key before it.
//
// The step is serialized as JSON, which orders map keys, so logically equal
// steps produce equal keys. input is the digest of external content the
// step reads and may be empty.
func StepKey(parent digest.Digest, step any, input digest.Digest) (digest.Digest, error) {
	b, err := json.Marshal(step)
	if err != nil {
		return "", err
	}

	d := digest.SHA256.Digester()
	h := d.Hash()
	writeField(h, parent.String())
	writeField(h, string(b))
	writeField(h, input.String())
	return d.Digest(), nil
}

// Writes a field preceded by its 8-byte big-endian length.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
