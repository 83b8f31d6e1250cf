package tollgate

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

// DefaultDomainQuery is the query SQLSource runs when Query is empty.
// It expects a table like:
//
//	CREATE TABLE domains (
//	    id      SERIAL PRIMARY KEY,
//	    domain  VARCHAR(253) NOT NULL,
//	    enabled BOOLEAN DEFAULT true
//	);
const DefaultDomainQuery = `SELECT domain FROM domains WHERE enabled = true ORDER BY id`

// SQLSource loads hostnames from a database table. The query must return a
// single text column.
type SQLSource struct {
	DB *sqlx.DB

	// Query selecting the hostnames (DefaultDomainQuery if empty)
	Query string
}

// NewSQLSource creates a source reading from db.
func NewSQLSource(db *sqlx.DB) *SQLSource {
	return &SQLSource{DB: db, Query: DefaultDomainQuery}
}

// OpenSQLSource opens a database handle for driver and dsn and wraps it in a
// SQLSource. The connection is established lazily on the first Load.
func OpenSQLSource(driver, dsn, query string) (*SQLSource, error) {
	if driver == "" {
		driver = "postgres"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	src := NewSQLSource(db)
	if query != "" {
		src.Query = query
	}
	return src, nil
}

// Load implements DomainSource.
func (s *SQLSource) Load(ctx context.Context) ([]string, error) {
	query := s.Query
	if query == "" {
		query = DefaultDomainQuery
	}

	var domains []string
	if err := s.DB.SelectContext(ctx, &domains, query); err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	return domains, nil
}

// Close releases the database handle.
func (s *SQLSource) Close() error {
	return s.DB.Close()
}
