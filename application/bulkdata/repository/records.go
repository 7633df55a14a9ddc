package repository

import (
	"context"
	"database/sql"

	"bulkload/application/bulkdata/domain"
	"bulkload/common"
	"bulkload/internal/stream"

	json "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// RecordRepository reads the entity_records table written by the SQL engine
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository creates a new RecordRepository instance
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// ByLoad streams the records stored by loadID. Rows are scanned one at a
// time while the caller consumes them.
func (r *RecordRepository) ByLoad(ctx context.Context, loadID string) (stream.Fetcher[domain.StoredRecord], error) {
	rows, err := r.db.WithContext(ctx).
		Model(&common.EntityRecord{}).
		Where("load_id = ?", loadID).
		Order("id").
		Rows()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query records")
	}

	return stream.RowsFetcher(rows, func(rows *sql.Rows) (domain.StoredRecord, error) {
		var row common.EntityRecord
		if err := r.db.ScanRows(rows, &row); err != nil {
			return domain.StoredRecord{}, err
		}
		return domain.StoredRecord{
			DataSource: row.DataSource,
			RecordID:   row.RecordID,
			LoadID:     row.LoadID.String,
			Record:     json.RawMessage(row.JSONData),
		}, nil
	}), nil
}
