package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgCannotConnectNow is SQLSTATE 57P03, sent while the server is starting up
// or recovering.
const pgCannotConnectNow = "57P03"

// Postgres completes a protocol handshake with the server. Any reply other
// than "the database system is starting up" means the server is accepting
// connections, so authentication or missing-database errors count as ready.
type Postgres struct {
	ConnString string
}

// PostgresLocal probes 127.0.0.1:port as user over the default database.
func PostgresLocal(port int, user string) Postgres {
	return Postgres{ConnString: fmt.Sprintf("host=127.0.0.1 port=%d user=%s dbname=postgres sslmode=disable connect_timeout=2", port, user)}
}

func (p Postgres) Ready(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, p.ConnString)
	if err == nil {
		return conn.Close(ctx)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code != pgCannotConnectNow {
		return nil
	}
	return err
}

func (p Postgres) Describe() string { return "postgres" }
