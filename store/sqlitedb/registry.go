package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/telemetry"
)

const cacheColumns = `id, url, timestamp, storeDir, wantMassQuery, priority`

// ResolveCache returns the id for params.URL, inserting the descriptor when
// the URL is new.
func (d *DB) ResolveCache(ctx context.Context, params narinfocache.CacheParams, now time.Time) (int64, error) {
	if err := narinfocache.ValidateCacheURL(params.URL); err != nil {
		return 0, err
	}

	var id int64
	err := d.update(ctx, "sqlite: resolve cache", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `select id from BinaryCaches where url = ?`, params.URL).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				`insert into BinaryCaches(url, timestamp, storeDir, wantMassQuery, priority) values (?, ?, ?, ?, ?)`,
				params.URL, now.Unix(), params.StoreDir, boolInt(params.WantMassQuery), params.Priority)
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			return err
		case err != nil:
			return err
		}

		if d.resolvePolicy == narinfocache.ResolveRefreshAll {
			_, err = tx.ExecContext(ctx,
				`update BinaryCaches set timestamp = ?, storeDir = ?, wantMassQuery = ?, priority = ? where id = ?`,
				now.Unix(), params.StoreDir, boolInt(params.WantMassQuery), params.Priority, id)
		} else {
			_, err = tx.ExecContext(ctx, `update BinaryCaches set timestamp = ? where id = ?`, now.Unix(), id)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetCache returns the descriptor with the given id.
func (d *DB) GetCache(ctx context.Context, id int64) (*narinfocache.CacheInfo, error) {
	var info *narinfocache.CacheInfo
	err := d.view(ctx, "sqlite: get cache", func(db *sql.DB) error {
		var err error
		info, err = scanCache(db.QueryRowContext(ctx, `select `+cacheColumns+` from BinaryCaches where id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// GetCacheByURL returns the descriptor registered for url.
func (d *DB) GetCacheByURL(ctx context.Context, url string) (*narinfocache.CacheInfo, error) {
	var info *narinfocache.CacheInfo
	err := d.view(ctx, "sqlite: get cache by url", func(db *sql.DB) error {
		var err error
		info, err = scanCache(db.QueryRowContext(ctx, `select `+cacheColumns+` from BinaryCaches where url = ?`, url))
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ListCaches returns every descriptor ordered by priority, then id.
func (d *DB) ListCaches(ctx context.Context) ([]narinfocache.CacheInfo, error) {
	var caches []narinfocache.CacheInfo
	err := d.view(ctx, "sqlite: list caches", func(db *sql.DB) error {
		caches = caches[:0]
		rows, err := db.QueryContext(ctx, `select `+cacheColumns+` from BinaryCaches order by priority, id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			info, err := scanCache(rows)
			if err != nil {
				return err
			}
			caches = append(caches, *info)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return caches, nil
}

// RemoveCache deletes the descriptor; its entries go with it through the
// foreign key cascade in the same statement.
func (d *DB) RemoveCache(ctx context.Context, id int64) error {
	var removed int64
	err := d.update(ctx, "sqlite: remove cache", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `delete from BinaryCaches where id = ?`, id)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	telemetry.RecordCacheRemoved(ctx, "explicit", int(removed))
	return nil
}

// cacheExists fails with ErrNotFound when no descriptor has the given id.
func cacheExists(ctx context.Context, tx *sql.Tx, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `select 1 from BinaryCaches where id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cache %d: %w", id, narinfocache.ErrNotFound)
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCache(row scanner) (*narinfocache.CacheInfo, error) {
	var (
		info     narinfocache.CacheInfo
		ts       int64
		wantMass int
		priority int
	)
	err := row.Scan(&info.ID, &info.URL, &ts, &info.StoreDir, &wantMass, &priority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, narinfocache.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info.LastContact = time.Unix(ts, 0)
	info.WantMassQuery = wantMass != 0
	info.Priority = priority
	return &info, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
