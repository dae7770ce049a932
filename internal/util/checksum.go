package util

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/spf13/afero"
)

// SHA256Reader computes the SHA-256 checksum of r and returns:
//   - the hex-encoded digest
//   - the number of bytes read
func SHA256Reader(r io.Reader) (sum string, size int64, err error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SHA256File computes the SHA-256 checksum of a file on fs.
func SHA256File(fs afero.Fs, path string) (sum string, size int64, err error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()
	return SHA256Reader(f)
}

// SameContent reports whether both files exist and have identical SHA-256 digests.
func SameContent(fs afero.Fs, a, b string) bool {
	sa, na, err := SHA256File(fs, a)
	if err != nil {
		return false
	}
	sb, nb, err := SHA256File(fs, b)
	if err != nil {
		return false
	}
	return na == nb && sa == sb
}
