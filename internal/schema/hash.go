package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// TableHash computes the structural hash of one table from the fields that
// affect SQL generation: identity, comment and column definitions. Column
// order follows the catalog, so a reorder counts as a change.
func TableHash(doc TableDoc) string {
	payload := struct {
		DocType string      `json:"doc_type"`
		TableID string      `json:"table_id"`
		Comment string      `json:"comment"`
		Columns []ColumnDoc `json:"columns"`
	}{
		DocType: doc.DocType,
		TableID: doc.TableID,
		Comment: doc.Comment,
		Columns: doc.Columns,
	}
	canonical, _ := json.Marshal(payload)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// AggregateHash folds the per-table hashes into a single schema version. The
// input order does not matter.
func AggregateHash(tables map[string]string) string {
	ids := make([]string, 0, len(tables))
	for id := range tables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
		h.Write([]byte(tables[id]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashTables computes per-table hashes for a scanned set.
func HashTables(docs []TableDoc) map[string]string {
	hashes := make(map[string]string, len(docs))
	for _, doc := range docs {
		hashes[doc.TableID] = TableHash(doc)
	}
	return hashes
}
