package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/component-dispatcher/pkg/discovery"
)

const repoLogPrefix = "db:repository"

// EndpointRepository stores the discovery registrations of one node. It
// implements discovery.Mirror.
type EndpointRepository struct {
	pool *pgxpool.Pool
	node string
}

var _ discovery.Mirror = (*EndpointRepository)(nil)

// NewEndpointRepository creates a repository writing rows for node.
func NewEndpointRepository(pool *pgxpool.Pool, node string) *EndpointRepository {
	return &EndpointRepository{pool: pool, node: node}
}

// PutEndpoint inserts or replaces the row of a registration.
func (r *EndpointRepository) PutEndpoint(ctx context.Context, id string, u discovery.ServiceURL) error {
	slog.Debug(fmt.Sprintf("%s - PutEndpoint id=%s node=%s", repoLogPrefix, id, r.node))

	attrs := u.Attributes
	if attrs == nil {
		attrs = map[string][]string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO discovery_endpoints (id, node, uri, abstract_type, abstract_type_authority, attributes, service_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   node = EXCLUDED.node,
		   uri = EXCLUDED.uri,
		   abstract_type = EXCLUDED.abstract_type,
		   abstract_type_authority = EXCLUDED.abstract_type_authority,
		   attributes = EXCLUDED.attributes,
		   service_url = EXCLUDED.service_url`,
		id, r.node, u.URI, u.AbstractType, u.AbstractTypeAuthority, attrs, u.String())
	if err != nil {
		return fmt.Errorf("%s - failed to store endpoint %s: %w", repoLogPrefix, id, err)
	}
	return nil
}

// DeleteEndpoint removes the row of a registration. Missing rows are not an error.
func (r *EndpointRepository) DeleteEndpoint(ctx context.Context, id string) error {
	slog.Debug(fmt.Sprintf("%s - DeleteEndpoint id=%s", repoLogPrefix, id))

	if _, err := r.pool.Exec(ctx, `DELETE FROM discovery_endpoints WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s - failed to delete endpoint %s: %w", repoLogPrefix, id, err)
	}
	return nil
}

// ListEndpoints returns the rows of every node, or of one node when node is non-empty.
func (r *EndpointRepository) ListEndpoints(ctx context.Context, node string) ([]EndpointRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, node, uri, abstract_type, abstract_type_authority, attributes, service_url, created
		 FROM discovery_endpoints
		 WHERE $1 = '' OR node = $1
		 ORDER BY service_url, id`, node)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list endpoints: %w", repoLogPrefix, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EndpointRecord, error) {
		var e EndpointRecord
		err := row.Scan(&e.ID, &e.Node, &e.URI, &e.AbstractType, &e.AbstractTypeAuthority,
			&e.Attributes, &e.ServiceURL, &e.Created)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan endpoints: %w", repoLogPrefix, err)
	}
	return records, nil
}

// PurgeNode removes every row of this repository's node, left behind by a
// process that did not shut down cleanly.
func (r *EndpointRepository) PurgeNode(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM discovery_endpoints WHERE node = $1`, r.node)
	if err != nil {
		return 0, fmt.Errorf("%s - failed to purge node %s: %w", repoLogPrefix, r.node, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info(fmt.Sprintf("%s - Purged %d stale endpoints of node %s", repoLogPrefix, n, r.node))
	}
	return tag.RowsAffected(), nil
}

// Ping checks database connectivity.
func (r *EndpointRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
