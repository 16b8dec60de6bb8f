package job

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolSchemaInspector implements SchemaInspector against Postgres's
// information_schema catalog, the same source of truth the DDL in
// createStorage/createIndex ultimately depends on being accurate.
type PoolSchemaInspector struct {
	pool *pgxpool.Pool
}

func NewPoolSchemaInspector(pool *pgxpool.Pool) *PoolSchemaInspector {
	return &PoolSchemaInspector{pool: pool}
}

func (p *PoolSchemaInspector) ColumnTypes(ctx context.Context, schema, relation string) (map[string]string, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2",
		schema, relation)
	if err != nil {
		return nil, fmt.Errorf("job: inspecting %s.%s: %w", schema, relation, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = dataType
	}
	return cols, rows.Err()
}
