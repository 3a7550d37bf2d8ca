package dataset

// Column types the loader infers. Everything coerces to VARCHAR, so these
// are the only three that can come out of inference.
const (
	TypeBigint  = "BIGINT"
	TypeDouble  = "DOUBLE"
	TypeVarchar = "VARCHAR"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Descriptor is the schema a validated query may reference: one table, an
// ordered column list, and the loaded row count. Recomputed only when the
// source changes.
type Descriptor struct {
	Table    string   `json:"table"`
	Columns  []Column `json:"columns"`
	RowCount int64    `json:"row_count"`
}

func (d Descriptor) ColumnNames() []string {
	names := make([]string, 0, len(d.Columns))
	for _, column := range d.Columns {
		names = append(names, column.Name)
	}
	return names
}
