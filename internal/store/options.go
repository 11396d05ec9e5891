package store

import "strings"

// Opts holds configuration for event store backends.
type Opts struct {
	DSN     string // database DSN; empty selects the file backend
	Dialect string // "sqlite" or "postgres"; derived from DSN when empty
	Dir     string // root directory for the file backend
}

// Option configures an event store.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend at the given file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Dialect = DialectSQLite
	}
}

// WithPostgresDSN selects the Postgres backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Dialect = DialectPostgres
	}
}

// WithDSN selects a SQL backend, detecting the dialect from the DSN.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Dialect = DetectDSNType(dsn)
	}
}

// WithFileDir selects the JSON-lines file backend rooted at dir.
func WithFileDir(dir string) Option {
	return func(o *Opts) {
		o.Dir = dir
	}
}

// DetectDSNType returns "postgres" for Postgres URLs or key/value DSNs and
// "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return DialectPostgres
	}
	if strings.Contains(trimmed, "host=") || strings.Contains(trimmed, "dbname=") {
		return DialectPostgres
	}
	return DialectSQLite
}
