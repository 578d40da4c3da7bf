package merge

import (
	"context"
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/metrics"
)

// OwnedRecord is a metric record joined with the boundary that owns its
// feature in the cleaned tables.
type OwnedRecord struct {
	metrics.Record
	Owner int64
}

// Row is one line of the merged table.
type Row struct {
	Extent     string
	Category   string
	Kind       metrics.FeatureKind
	FeatureID  string
	BoundaryID int64
	Metric     string
	Value      float64
	ComputedAt time.Time
}

// Table is the merged, ownership-resolved output for one (extent, category).
type Table struct {
	Extent   string
	Category string
	Rows     []Row
}

// Repository reads owned records and stores the merged table.
type Repository interface {
	// OwnedRecords returns every record of category computed by a boundary of
	// extent, with the owner of its feature. Features absent from the cleaned
	// tables have Owner 0.
	OwnedRecords(ctx context.Context, extent, category string) ([]OwnedRecord, error)
	// ReplaceMerged swaps the merged rows of (extent, category) in one transaction.
	ReplaceMerged(ctx context.Context, extent, category string, rows []Row) error
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.FeatureID != b.FeatureID {
			return a.FeatureID < b.FeatureID
		}
		return a.Metric < b.Metric
	})
}

var csvHeader = []string{"extent_group", "category", "feature_kind", "feature_id", "boundary_id", "metric", "value", "computed_at"}

// WriteCSV writes the table with a header row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return eris.Wrap(err, "merge: write csv header")
	}
	for _, r := range t.Rows {
		rec := []string{
			r.Extent,
			r.Category,
			string(r.Kind),
			r.FeatureID,
			strconv.FormatInt(r.BoundaryID, 10),
			r.Metric,
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			r.ComputedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrap(err, "merge: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "merge: flush csv")
}

// CountByBoundary tallies rows per boundary.
func (t *Table) CountByBoundary() map[int64]int {
	out := make(map[int64]int)
	for _, r := range t.Rows {
		out[r.BoundaryID]++
	}
	return out
}
