// Package all registers every storage backend. Import it for side effects
// from binaries that select a backend at runtime.
package all

import (
	_ "ingest/internal/storage/mssql"
	_ "ingest/internal/storage/postgres"
	_ "ingest/internal/storage/sqlite"
)
