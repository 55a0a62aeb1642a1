package cloud

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options configures Open.
type Options struct {
	Driver       string
	DSN          string
	PollInterval time.Duration // sqlite only
	Logger       *log.Logger
}

// Open constructs the Client selected by opts.Driver.
// The returned client must be closed by the caller.
func Open(ctx context.Context, opts Options) (Client, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("cloud dsn is required")
	}
	switch opts.Driver {
	case DriverSQLite, "":
		c, err := OpenSQLite(ctx, opts.DSN, SQLiteOptions{PollInterval: opts.PollInterval, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		return c, nil
	case DriverPostgres:
		c, err := OpenPostgres(ctx, opts.DSN, opts.Logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cloud driver %q (want %s or %s)", opts.Driver, DriverSQLite, DriverPostgres)
	}
}
