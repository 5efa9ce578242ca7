package pipeline

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
)

// Digests are hex content digests of the saved output.
type Digests struct {
	MD5    string
	SHA1   string
	SHA256 string
}

// Digests hashes the bytes written by the last Save or WriteTo.
func (p *Pipeline) Digests() (Digests, error) {
	if err := p.require("Digests", StateSaved, StateVerified); err != nil {
		return Digests{}, err
	}
	m := md5.Sum(p.output)
	s1 := sha1.Sum(p.output)
	s256 := sha256.Sum256(p.output)
	return Digests{
		MD5:    hex.EncodeToString(m[:]),
		SHA1:   hex.EncodeToString(s1[:]),
		SHA256: hex.EncodeToString(s256[:]),
	}, nil
}
