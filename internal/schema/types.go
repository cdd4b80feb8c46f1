package schema

// ColumnDoc describes a single column of a scanned table.
type ColumnDoc struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Constraints string `json:"constraints,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

// TableDoc is the DDL-equivalent description of one table, captured as an
// immutable snapshot. TableID is "<namespace>.<table>".
type TableDoc struct {
	TableID        string      `json:"table_id"`
	Namespace      string      `json:"namespace"`
	Name           string      `json:"name"`
	DocType        string      `json:"doc_type"` // table or view
	Comment        string      `json:"comment,omitempty"`
	Columns        []ColumnDoc `json:"columns"`
	PrimaryTimeCol string      `json:"primary_time_col,omitempty"`
	JoinKeys       []string    `json:"join_keys,omitempty"`
}

// Snapshot is the persisted per-namespace hash record: one aggregate hash plus
// one structural hash per table.
type Snapshot struct {
	Namespace     string            `json:"namespace"`
	AggregateHash string            `json:"aggregate_hash"`
	Tables        map[string]string `json:"tables"`
}

// EmbedText renders the table description for embedding, mirroring what the
// generator later receives as schema context.
func (t TableDoc) EmbedText() string {
	text := t.TableID + " (" + t.DocType + ")\n" + t.Comment + "\nColumns:\n"
	for _, col := range t.Columns {
		line := "- " + col.Name + " (" + col.Type + ")"
		if col.Comment != "" {
			line += ": " + col.Comment
		}
		text += line + "\n"
	}
	return text
}

// Payload renders the vector-store payload for this table.
func (t TableDoc) Payload() map[string]interface{} {
	columns := make([]interface{}, 0, len(t.Columns))
	for _, col := range t.Columns {
		columns = append(columns, map[string]interface{}{
			"name":        col.Name,
			"type":        col.Type,
			"constraints": col.Constraints,
			"comment":     col.Comment,
		})
	}
	return map[string]interface{}{
		"table_id":         t.TableID,
		"namespace":        t.Namespace,
		"table_name":       t.Name,
		"doc_type":         t.DocType,
		"description":      t.Comment,
		"columns":          columns,
		"primary_time_col": t.PrimaryTimeCol,
		"join_keys":        t.JoinKeys,
		"source":           "db_schema",
	}
}
