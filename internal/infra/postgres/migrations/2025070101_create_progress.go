package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed 0001_create_progress.sql
var createProgressSQL string

var Migrations = migrate.NewMigrations()

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(createProgressSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(`
				DROP TABLE IF EXISTS progress_audit;
				DROP TABLE IF EXISTS course_progress;
				DROP TABLE IF EXISTS unit_progress;
				DROP TABLE IF EXISTS units;
				DROP TABLE IF EXISTS lessons;
				DROP TABLE IF EXISTS courses;
			`)
			return err
		},
	)
}
