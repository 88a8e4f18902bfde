package captiondb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE caption(
			id INTEGER PRIMARY KEY,
			created_at INT NOT NULL,
			text TEXT NOT NULL,
			inference_ms INT NOT NULL,
			steps INT NOT NULL,
			image_key TEXT NOT NULL DEFAULT ''
		);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE INDEX idx_caption_created_at ON caption(created_at);
	`))

	return migs
}
