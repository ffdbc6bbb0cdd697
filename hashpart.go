package narinfocache

import (
	"fmt"
	"path"
	"strings"
)

// MaxHashPartLen bounds the length of a hash part key.
const MaxHashPartLen = 64

// ValidateHashPart checks that s can be used as an entry key: non-empty, at
// most MaxHashPartLen characters, ASCII letters and digits only.
func ValidateHashPart(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHashPart)
	}
	if len(s) > MaxHashPartLen {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidHashPart, len(s), MaxHashPartLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidHashPart, s, c)
		}
	}
	return nil
}

// SplitStorePath splits a store path such as
// /nix/store/p4pclmv1gyja5kzc26npqpia1qqxrf0l-ruby-2.7.3 into its hash part
// and name part. A bare base name is accepted too.
func SplitStorePath(storePath string) (hashPart, namePart string, err error) {
	base := path.Base(storePath)
	hashPart, namePart, ok := strings.Cut(base, "-")
	if !ok || namePart == "" {
		return "", "", fmt.Errorf("%w: %q is not a store path", ErrInvalidHashPart, storePath)
	}
	if err := ValidateHashPart(hashPart); err != nil {
		return "", "", err
	}
	return hashPart, namePart, nil
}

// ValidateCacheURL checks that url can key a cache descriptor.
func ValidateCacheURL(url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCacheURL)
	}
	return nil
}
