package dbutil

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Dialects.  These are also the database/sql driver names.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "pgx"
)

type cloudEnvSettings struct {
	dbUser,
	dbPwd,
	dbName,
	instanceConnectionName,
	usePrivate string
}

func (s *cloudEnvSettings) getenv() error {
	unset := []string{}
	getenv := func(k string) string {
		v := os.Getenv(k)
		if v == "" {
			unset = append(unset, k)
		}
		return v
	}

	s.dbUser = getenv("DB_USER")                                  // e.g. 'my-db-user'
	s.dbPwd = getenv("DB_PASS")                                   // e.g. 'my-db-password'
	s.dbName = getenv("DB_NAME")                                  // e.g. 'my-database'
	s.instanceConnectionName = getenv("INSTANCE_CONNECTION_NAME") // e.g. 'project:region:instance'
	s.usePrivate = os.Getenv("PRIVATE_IP")

	if len(unset) > 0 {
		return fmt.Errorf("cloudsqlconn: unset variables: %+v", unset)
	}
	return nil
}

// Connector hands out short-lived database handles.  Every Open returns a
// handle with a single connection; the caller closes it when its
// transaction is done.  There is deliberately no pool.
type Connector struct {
	dialect string
	open    func(ctx context.Context) (*sqlx.DB, error)
	closer  func() error
}

// Dialect is the sqlx driver name used for placeholder rebinding.
func (c *Connector) Dialect() string {
	return c.dialect
}

// Open returns a fresh, pinged, single-connection handle.
func (c *Connector) Open(ctx context.Context) (*sqlx.DB, error) {
	db, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s db: %w", c.dialect, err)
	}
	return db, nil
}

func (c *Connector) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// NewConnector wraps an arbitrary open function, e.g. one handing out
// sqlmock handles.
func NewConnector(dialect string, open func(ctx context.Context) (*sqlx.DB, error)) *Connector {
	return &Connector{dialect: dialect, open: open}
}

// NewSQLiteConnector opens the database file at path for each call.
func NewSQLiteConnector(path string) (*Connector, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	return &Connector{
		dialect: DialectSQLite,
		open: func(ctx context.Context) (*sqlx.DB, error) {
			return sqlx.Open(DialectSQLite, dsn)
		},
	}, nil
}

// NewPgxConnector connects to PostgreSQL at url.
func NewPgxConnector(url string) (*Connector, error) {
	if url == "" {
		return nil, errors.New("database URL is empty")
	}
	return &Connector{
		dialect: DialectPostgres,
		open: func(ctx context.Context) (*sqlx.DB, error) {
			return sqlx.Open(DialectPostgres, url)
		},
	}, nil
}

func newCloudSQLConnector(ctx context.Context) (*Connector, error) {
	// Note: Saving credentials in environment variables is convenient, but not
	// secure - consider a more secure solution such as
	// Cloud Secret Manager (https://cloud.google.com/secret-manager) to help
	// keep passwords and other secrets safe.
	env := &cloudEnvSettings{}
	if err := env.getenv(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("user=%s password=%s database=%s", env.dbUser, env.dbPwd, env.dbName)
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	var opts []cloudsqlconn.Option
	if env.usePrivate != "" {
		opts = append(opts, cloudsqlconn.WithDefaultDialOptions(cloudsqlconn.WithPrivateIP()))
	}
	// Refresh when needed rather than on a schedule; storylined idles a lot.
	opts = append(opts, cloudsqlconn.WithLazyRefresh())
	d, err := cloudsqlconn.NewDialer(ctx, opts...)
	if err != nil {
		return nil, err
	}
	config.DialFunc = func(ctx context.Context, network, instance string) (net.Conn, error) {
		return d.Dial(ctx, env.instanceConnectionName)
	}
	return &Connector{
		dialect: DialectPostgres,
		open: func(ctx context.Context) (*sqlx.DB, error) {
			return sqlx.NewDb(stdlib.OpenDB(*config), DialectPostgres), nil
		},
		closer: d.Close,
	}, nil
}

// Connect picks a connector by driver name: "sqlite", "pgx" or "connector".
func Connect(ctx context.Context, driver, sqlitePath, dbURL string) (*Connector, error) {
	factories := map[string]func() (*Connector, error){
		"sqlite": func() (*Connector, error) {
			return NewSQLiteConnector(sqlitePath)
		},
		"pgx": func() (*Connector, error) {
			log.Printf("connecting to database at %s", dbURL)
			return NewPgxConnector(dbURL)
		},
		"connector": func() (*Connector, error) {
			return newCloudSQLConnector(ctx)
		},
	}
	factory, ok := factories[driver]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	return factory()
}
