package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nicodishanthj/sqlsage/internal/common"
)

// Scanner reads the live schema description out of pg_catalog.
type Scanner interface {
	Scan(ctx context.Context) ([]TableDoc, error)
}

// CatalogScanner scans regular tables, partitioned tables and views in the
// configured namespaces, excluding internal ones.
type CatalogScanner struct {
	db      *sqlx.DB
	include []string
	exclude []string
}

var systemNamespaces = []string{"pg_catalog", "information_schema", "pg_toast"}

func NewScanner(db *sqlx.DB, include, exclude []string) *CatalogScanner {
	return &CatalogScanner{db: db, include: include, exclude: exclude}
}

type tableRow struct {
	Namespace string  `db:"namespace"`
	TableName string  `db:"table_name"`
	RelKind   string  `db:"relkind"`
	Comment   *string `db:"comment"`
}

type columnRow struct {
	Namespace string  `db:"namespace"`
	TableName string  `db:"table_name"`
	Column    string  `db:"column_name"`
	DataType  string  `db:"data_type"`
	NotNull   bool    `db:"not_null"`
	IsPrimary bool    `db:"is_primary"`
	Comment   *string `db:"comment"`
}

const tablesQuery = `
SELECT n.nspname AS namespace,
       c.relname AS table_name,
       c.relkind AS relkind,
       obj_description(c.oid, 'pg_class') AS comment
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r','p','v')
  AND n.nspname <> ALL($1)
  AND ($2 = '{}'::text[] OR n.nspname = ANY($2))
ORDER BY n.nspname, c.relname`

const columnsQuery = `
SELECT n.nspname AS namespace,
       c.relname AS table_name,
       a.attname AS column_name,
       format_type(a.atttypid, a.atttypmod) AS data_type,
       a.attnotnull AS not_null,
       COALESCE((
           SELECT true
           FROM pg_index i
           WHERE i.indrelid = c.oid
             AND i.indisprimary
             AND a.attnum = ANY(i.indkey)
       ), false) AS is_primary,
       col_description(a.attrelid, a.attnum) AS comment
FROM pg_attribute a
JOIN pg_class c ON a.attrelid = c.oid
JOIN pg_namespace n ON c.relnamespace = n.oid
WHERE a.attnum > 0
  AND NOT a.attisdropped
  AND c.relkind IN ('r','p','v')
  AND n.nspname <> ALL($1)
  AND ($2 = '{}'::text[] OR n.nspname = ANY($2))
ORDER BY n.nspname, c.relname, a.attnum`

func (s *CatalogScanner) Scan(ctx context.Context) ([]TableDoc, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("scanner not initialised")
	}
	excluded := append(append([]string(nil), systemNamespaces...), s.exclude...)
	included := s.include
	if included == nil {
		included = []string{}
	}

	var tables []tableRow
	if err := s.db.SelectContext(ctx, &tables, tablesQuery, pq.Array(excluded), pq.Array(included)); err != nil {
		return nil, fmt.Errorf("scan tables: %w", err)
	}
	var columns []columnRow
	if err := s.db.SelectContext(ctx, &columns, columnsQuery, pq.Array(excluded), pq.Array(included)); err != nil {
		return nil, fmt.Errorf("scan columns: %w", err)
	}

	columnMap := make(map[string][]ColumnDoc)
	for _, col := range columns {
		key := col.Namespace + "." + col.TableName
		columnMap[key] = append(columnMap[key], ColumnDoc{
			Name:        col.Column,
			Type:        col.DataType,
			Constraints: columnConstraints(col),
			Comment:     deref(col.Comment),
		})
	}

	docs := make([]TableDoc, 0, len(tables))
	for _, row := range tables {
		id := row.Namespace + "." + row.TableName
		cols := columnMap[id]
		docType := "table"
		if row.RelKind == "v" {
			docType = "view"
		}
		docs = append(docs, TableDoc{
			TableID:        id,
			Namespace:      row.Namespace,
			Name:           row.TableName,
			DocType:        docType,
			Comment:        deref(row.Comment),
			Columns:        cols,
			PrimaryTimeCol: inferPrimaryTime(cols),
			JoinKeys:       inferJoinKeys(cols),
		})
	}
	common.Logger().Debug("schema: catalog scan complete", "tables", len(docs))
	return docs, nil
}

func columnConstraints(col columnRow) string {
	var parts []string
	if col.IsPrimary {
		parts = append(parts, "primary key")
	}
	if col.NotNull && !col.IsPrimary {
		parts = append(parts, "not null")
	}
	return strings.Join(parts, ", ")
}

func inferPrimaryTime(columns []ColumnDoc) string {
	for _, col := range columns {
		if col.Name == "ts" {
			return "ts"
		}
	}
	for _, col := range columns {
		switch col.Name {
		case "time", "timestamp", "created_at":
			return col.Name
		}
	}
	return ""
}

func inferJoinKeys(columns []ColumnDoc) []string {
	var keys []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		keys = append(keys, name)
	}
	for _, col := range columns {
		name := strings.ToLower(col.Name)
		if name == "ts" {
			add(col.Name)
		}
		if strings.HasSuffix(name, "_id") {
			add(col.Name)
		}
		switch name {
		case "host", "host_id", "container_id", "mount", "interface":
			add(col.Name)
		}
	}
	return keys
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
