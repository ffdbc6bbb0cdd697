package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/telemetry"
)

// Lookup classifies the entry for (cacheID, hashPart) at now.
func (d *DB) Lookup(ctx context.Context, cacheID int64, hashPart string, now time.Time, ttl narinfocache.TTL) (narinfocache.LookupResult, error) {
	if err := narinfocache.ValidateHashPart(hashPart); err != nil {
		return narinfocache.LookupResult{}, err
	}

	var entry *narinfocache.Entry
	err := d.view(ctx, "sqlite: lookup", func(db *sql.DB) error {
		var err error
		entry, err = scanEntry(hashPart, db.QueryRowContext(ctx,
			`select namePart, url, compression, fileHash, fileSize, narHash, narSize, refs, deriver, sigs, ca, timestamp, present
			 from NARs where cache = ? and hashPart = ?`, cacheID, hashPart))
		return err
	})
	if err != nil {
		return narinfocache.LookupResult{}, err
	}

	res := ttl.Classify(entry, now)
	telemetry.RecordLookup(ctx, res.Outcome.String(), entry.Kind())
	return res, nil
}

// UpsertPositive stores info for (cacheID, hashPart), replacing any previous
// entry.
func (d *DB) UpsertPositive(ctx context.Context, cacheID int64, hashPart string, info narinfocache.NarInfo, now time.Time) error {
	if err := narinfocache.ValidateHashPart(hashPart); err != nil {
		return err
	}

	err := d.update(ctx, "sqlite: upsert positive", func(tx *sql.Tx) error {
		if err := cacheExists(ctx, tx, cacheID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`insert or replace into NARs(cache, hashPart, namePart, url, compression, fileHash, fileSize, narHash, narSize, refs, deriver, sigs, ca, timestamp, present)
			 values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			cacheID, hashPart, info.NamePart, info.URL, info.Compression, info.FileHash, int64(info.FileSize),
			info.NarHash, int64(info.NarSize), joinList(info.References), info.Deriver, joinList(info.Sigs), info.CA,
			now.Unix())
		return err
	})
	if err != nil {
		return err
	}
	telemetry.RecordUpsert(ctx, "positive")
	return nil
}

// UpsertNegative records that hashPart does not exist in cacheID.
func (d *DB) UpsertNegative(ctx context.Context, cacheID int64, hashPart string, now time.Time) error {
	if err := narinfocache.ValidateHashPart(hashPart); err != nil {
		return err
	}

	err := d.update(ctx, "sqlite: upsert negative", func(tx *sql.Tx) error {
		if err := cacheExists(ctx, tx, cacheID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`insert or replace into NARs(cache, hashPart, timestamp, present) values (?, ?, ?, 0)`,
			cacheID, hashPart, now.Unix())
		return err
	})
	if err != nil {
		return err
	}
	telemetry.RecordUpsert(ctx, "negative")
	return nil
}

func scanEntry(hashPart string, row scanner) (*narinfocache.Entry, error) {
	var (
		namePart, url, compression, fileHash sql.NullString
		narHash, refs, deriver, sigs, ca     sql.NullString
		fileSize, narSize                    sql.NullInt64
		ts                                   int64
		present                              int
	)
	err := row.Scan(&namePart, &url, &compression, &fileHash, &fileSize, &narHash, &narSize,
		&refs, &deriver, &sigs, &ca, &ts, &present)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry := &narinfocache.Entry{HashPart: hashPart, Timestamp: time.Unix(ts, 0)}
	if present == 0 {
		return entry, nil
	}
	entry.Info = &narinfocache.NarInfo{
		NamePart:    namePart.String,
		URL:         url.String,
		Compression: compression.String,
		FileHash:    fileHash.String,
		FileSize:    uint64(fileSize.Int64),
		NarHash:     narHash.String,
		NarSize:     uint64(narSize.Int64),
		References:  splitList(refs.String),
		Deriver:     deriver.String,
		Sigs:        splitList(sigs.String),
		CA:          ca.String,
	}
	return entry, nil
}

// References and signatures are stored space separated.
func joinList(items []string) string {
	return strings.Join(items, " ")
}

func splitList(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
