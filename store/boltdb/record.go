package boltdb

import (
	"google.golang.org/protobuf/encoding/protowire"

	narinfocache "github.com/wolfeidau/narinfo-cache"
)

// Records use the protobuf wire format directly; zero values are omitted and
// unknown fields are skipped so later versions can add fields.

// Cache record field numbers.
const (
	cacheFieldURL           protowire.Number = 1
	cacheFieldStoreDir      protowire.Number = 2
	cacheFieldWantMassQuery protowire.Number = 3
	cacheFieldPriority      protowire.Number = 4
)

// NarInfo record field numbers.
const (
	narFieldNamePart    protowire.Number = 1
	narFieldURL         protowire.Number = 2
	narFieldCompression protowire.Number = 3
	narFieldFileHash    protowire.Number = 4
	narFieldFileSize    protowire.Number = 5
	narFieldNarHash     protowire.Number = 6
	narFieldNarSize     protowire.Number = 7
	narFieldReferences  protowire.Number = 8
	narFieldDeriver     protowire.Number = 9
	narFieldSigs        protowire.Number = 10
	narFieldCA          protowire.Number = 11
)

func marshalCache(info *narinfocache.CacheInfo) []byte {
	var b []byte
	b = appendString(b, cacheFieldURL, info.URL)
	b = appendString(b, cacheFieldStoreDir, info.StoreDir)
	if info.WantMassQuery {
		b = protowire.AppendTag(b, cacheFieldWantMassQuery, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if info.Priority != 0 {
		b = protowire.AppendTag(b, cacheFieldPriority, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(info.Priority)))
	}
	return b
}

func unmarshalCache(b []byte, info *narinfocache.CacheInfo) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == cacheFieldURL && typ == protowire.BytesType:
			return consumeString(b, &info.URL)
		case num == cacheFieldStoreDir && typ == protowire.BytesType:
			return consumeString(b, &info.StoreDir)
		case num == cacheFieldWantMassQuery && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			info.WantMassQuery = protowire.DecodeBool(v)
			return n
		case num == cacheFieldPriority && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			info.Priority = int(protowire.DecodeZigZag(v))
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func marshalNarInfo(info *narinfocache.NarInfo) []byte {
	var b []byte
	b = appendString(b, narFieldNamePart, info.NamePart)
	b = appendString(b, narFieldURL, info.URL)
	b = appendString(b, narFieldCompression, info.Compression)
	b = appendString(b, narFieldFileHash, info.FileHash)
	b = appendUint(b, narFieldFileSize, info.FileSize)
	b = appendString(b, narFieldNarHash, info.NarHash)
	b = appendUint(b, narFieldNarSize, info.NarSize)
	b = appendList(b, narFieldReferences, info.References)
	b = appendString(b, narFieldDeriver, info.Deriver)
	b = appendList(b, narFieldSigs, info.Sigs)
	b = appendString(b, narFieldCA, info.CA)
	return b
}

// appendList writes one field per non-empty item. Empty lists and blank
// items are dropped, so they read back as nil like the sqlite columns.
func appendList(b []byte, num protowire.Number, items []string) []byte {
	for _, item := range items {
		if item == "" {
			continue
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, item)
	}
	return b
}

func unmarshalNarInfo(b []byte, info *narinfocache.NarInfo) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ == protowire.VarintType {
			switch num {
			case narFieldFileSize:
				v, n := protowire.ConsumeVarint(b)
				info.FileSize = v
				return n
			case narFieldNarSize:
				v, n := protowire.ConsumeVarint(b)
				info.NarSize = v
				return n
			}
		}
		if typ == protowire.BytesType {
			switch num {
			case narFieldNamePart:
				return consumeString(b, &info.NamePart)
			case narFieldURL:
				return consumeString(b, &info.URL)
			case narFieldCompression:
				return consumeString(b, &info.Compression)
			case narFieldFileHash:
				return consumeString(b, &info.FileHash)
			case narFieldNarHash:
				return consumeString(b, &info.NarHash)
			case narFieldReferences:
				var ref string
				n := consumeString(b, &ref)
				info.References = append(info.References, ref)
				return n
			case narFieldDeriver:
				return consumeString(b, &info.Deriver)
			case narFieldSigs:
				var sig string
				n := consumeString(b, &sig)
				info.Sigs = append(info.Sigs, sig)
				return n
			case narFieldCA:
				return consumeString(b, &info.CA)
			}
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func consumeString(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

// consumeFields walks every field in b. field returns the number of value
// bytes consumed, or a negative protowire error code.
func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return narinfocache.Corrupt("record tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		n = field(num, typ, b)
		if n < 0 {
			return narinfocache.Corrupt("record field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
