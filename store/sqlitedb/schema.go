package sqlitedb

import (
	"context"
	"database/sql"
	"slices"

	narinfocache "github.com/wolfeidau/narinfo-cache"
)

// schema matches the table layout Nix uses for its binary cache metadata
// database, so a file written by either side can be read by the other.
const schema = `
create table if not exists BinaryCaches (
    id               integer primary key autoincrement not null,
    url              text unique not null,
    timestamp        integer not null,
    storeDir         text not null,
    wantMassQuery    integer not null,
    priority         integer not null
);

create table if not exists NARs (
    cache            integer not null,
    hashPart         text not null,
    namePart         text,
    url              text,
    compression      text,
    fileHash         text,
    fileSize         integer,
    narHash          text,
    narSize          integer,
    refs             text,
    deriver          text,
    sigs             text,
    ca               text,
    timestamp        integer not null,
    present          integer not null,
    primary key (cache, hashPart),
    foreign key (cache) references BinaryCaches(id) on delete cascade
);

create table if not exists LastPurge (
    dummy            text primary key,
    value            integer
);
`

// expectedColumns lists the columns every table must have. Extra columns are
// tolerated so older readers keep working against a newer file.
var expectedColumns = map[string][]string{
	"BinaryCaches": {"id", "url", "timestamp", "storeDir", "wantMassQuery", "priority"},
	"NARs": {
		"cache", "hashPart", "namePart", "url", "compression", "fileHash", "fileSize",
		"narHash", "narSize", "refs", "deriver", "sigs", "ca", "timestamp", "present",
	},
	"LastPurge": {"dummy", "value"},
}

// createSchema creates missing tables and verifies the ones that already
// exist. It runs on every open and is safe to race with other processes.
func (d *DB) createSchema(ctx context.Context) error {
	return d.update(ctx, "sqlite: create schema", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return err
		}
		for table, want := range expectedColumns {
			got, err := tableColumns(ctx, tx, table)
			if err != nil {
				return err
			}
			for _, col := range want {
				if !slices.Contains(got, col) {
					return narinfocache.Corrupt("table %s has no column %s", table, col)
				}
			}
		}
		return nil
	})
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `select name from pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
