// Package narinfo converts between the .narinfo text format served by binary
// caches and narinfocache.NarInfo records.
package narinfo

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/nix-community/go-nix/pkg/nixhash"

	narinfocache "github.com/wolfeidau/narinfo-cache"
)

// DefaultStoreDir is used by Format when no store directory is given.
const DefaultStoreDir = "/nix/store"

// Parse reads a .narinfo document and returns the hash part of its store
// path together with the record to cache.
func Parse(r io.Reader) (string, narinfocache.NarInfo, error) {
	ni, err := narinfo.Parse(r)
	if err != nil {
		return "", narinfocache.NarInfo{}, fmt.Errorf("parsing narinfo: %w", err)
	}

	hashPart, namePart, err := narinfocache.SplitStorePath(ni.StorePath)
	if err != nil {
		return "", narinfocache.NarInfo{}, err
	}

	info := narinfocache.NarInfo{
		NamePart:    namePart,
		URL:         ni.URL,
		Compression: ni.Compression,
		FileSize:    ni.FileSize,
		NarSize:     ni.NarSize,
		References:  ni.References,
		Deriver:     ni.Deriver,
		CA:          ni.CA,
	}
	if ni.FileHash != nil {
		info.FileHash = ni.FileHash.String()
	}
	if ni.NarHash != nil {
		info.NarHash = ni.NarHash.String()
	}
	for _, sig := range ni.Signatures {
		info.Sigs = append(info.Sigs, sig.String())
	}
	return hashPart, info, nil
}

// Format renders info as a .narinfo document for the store path
// storeDir/hashPart-NamePart. References and the deriver are written as base
// names, as binary caches publish them.
func Format(w io.Writer, storeDir, hashPart string, info narinfocache.NarInfo) error {
	if err := narinfocache.ValidateHashPart(hashPart); err != nil {
		return err
	}
	if storeDir == "" {
		storeDir = DefaultStoreDir
	}

	ni := &narinfo.NarInfo{
		StorePath:   path.Join(storeDir, hashPart+"-"+info.NamePart),
		URL:         info.URL,
		Compression: info.Compression,
		FileSize:    info.FileSize,
		NarSize:     info.NarSize,
		References:  info.References,
		Deriver:     info.Deriver,
		CA:          info.CA,
	}

	var err error
	if info.FileHash != "" {
		if ni.FileHash, err = nixhash.ParseAny(info.FileHash, nil); err != nil {
			return fmt.Errorf("file hash %q: %w", info.FileHash, err)
		}
	}
	if info.NarHash != "" {
		if ni.NarHash, err = nixhash.ParseAny(info.NarHash, nil); err != nil {
			return fmt.Errorf("nar hash %q: %w", info.NarHash, err)
		}
	}
	for _, s := range info.Sigs {
		sig, err := signature.ParseSignature(s)
		if err != nil {
			return fmt.Errorf("signature %q: %w", s, err)
		}
		ni.Signatures = append(ni.Signatures, sig)
	}

	_, err = io.WriteString(w, ni.String())
	return err
}

// HashPartFromPath accepts a store path, a base name or a bare hash part and
// returns the hash part.
func HashPartFromPath(s string) (string, error) {
	base := path.Base(strings.TrimSuffix(s, ".narinfo"))
	if !strings.Contains(base, "-") {
		return base, narinfocache.ValidateHashPart(base)
	}
	hashPart, _, err := narinfocache.SplitStorePath(base)
	return hashPart, err
}
