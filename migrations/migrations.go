// Package migrations は成果物台帳のスキーマ定義を同梱する。
package migrations

import "embed"

// FS は番号順に適用するSQLファイル。MIGRATIONS_DIR未指定時に使う。
//
//go:embed *.sql
var FS embed.FS
