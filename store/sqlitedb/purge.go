package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/telemetry"
)

// MaybePurge deletes expired entries when the shared watermark says the last
// purge is at least policy.MinInterval old. Reading the watermark, deleting
// and advancing it happen in one write transaction, so concurrent processes
// cannot both purge for the same interval.
func (d *DB) MaybePurge(ctx context.Context, now time.Time, policy narinfocache.PurgePolicy) (narinfocache.PurgeResult, error) {
	start := time.Now()
	var result narinfocache.PurgeResult

	err := d.update(ctx, "sqlite: purge", func(tx *sql.Tx) error {
		result = narinfocache.PurgeResult{}

		var last sql.NullInt64
		err := tx.QueryRowContext(ctx, `select value from LastPurge where dummy = ''`).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if last.Valid {
			result.LastPurge = time.Unix(last.Int64, 0)
		}
		if !policy.Due(result.LastPurge, now) {
			return nil
		}

		positive, negative := policy.TTL.Cutoffs(now)
		res, err := tx.ExecContext(ctx,
			`delete from NARs where ((present = 0 and timestamp < ?) or (present = 1 and timestamp < ?))`,
			negative, positive)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result.EntriesDeleted = int(n)

		if cutoff, ok := policy.UnseenCutoff(now); ok {
			var cascaded int
			err := tx.QueryRowContext(ctx,
				`select count(*) from NARs where cache in (select id from BinaryCaches where timestamp < ?)`,
				cutoff).Scan(&cascaded)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `delete from BinaryCaches where timestamp < ?`, cutoff)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			result.CachesDeleted = int(n)
			result.EntriesDeleted += cascaded
		}

		if _, err := tx.ExecContext(ctx,
			`insert or replace into LastPurge(dummy, value) values ('', ?)`, now.Unix()); err != nil {
			return err
		}
		result.Ran = true
		result.LastPurge = time.Unix(now.Unix(), 0)
		return nil
	})
	if err != nil {
		telemetry.RecordPurgeCycle(ctx, "error", 0, 0, time.Since(start))
		return narinfocache.PurgeResult{}, err
	}

	if result.Ran {
		telemetry.RecordPurgeCycle(ctx, "ran", result.EntriesDeleted, result.CachesDeleted, time.Since(start))
		telemetry.RecordCacheRemoved(ctx, "unseen", result.CachesDeleted)
		d.logger.Debug("purged narinfo cache",
			"backend", Backend,
			"entries_deleted", result.EntriesDeleted,
			"caches_deleted", result.CachesDeleted)
	} else {
		telemetry.RecordPurgeCycle(ctx, "skipped", 0, 0, time.Since(start))
	}
	return result, nil
}

// Stats counts descriptors and entries in one statement.
func (d *DB) Stats(ctx context.Context) (narinfocache.Stats, error) {
	var (
		stats narinfocache.Stats
		last  sql.NullInt64
	)
	err := d.view(ctx, "sqlite: stats", func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `select
			(select count(*) from BinaryCaches),
			(select count(*) from NARs where present = 1),
			(select count(*) from NARs where present = 0),
			(select value from LastPurge where dummy = '')`).
			Scan(&stats.Caches, &stats.PositiveEntries, &stats.NegativeEntries, &last)
	})
	if err != nil {
		return narinfocache.Stats{}, err
	}
	if last.Valid {
		stats.LastPurge = time.Unix(last.Int64, 0)
	}
	return stats, nil
}
