package engine

import (
	"context"
	"strings"
	"time"

	"bulkload/common"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DataSourceLookup reports whether a data source code is configured.
type DataSourceLookup interface {
	Exists(ctx context.Context, code string) (bool, error)
}

// SQLEngine stores records in the entity_records table, replacing any
// record with the same data source and record id.
type SQLEngine struct {
	db      *gorm.DB
	sources DataSourceLookup
	log     *zap.Logger
}

// NewSQLEngine creates a SQL engine. A nil lookup accepts every data source.
func NewSQLEngine(db *gorm.DB, sources DataSourceLookup, log *zap.Logger) *SQLEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLEngine{db: db, sources: sources, log: log}
}

// Migrate creates the engine's tables.
func (e *SQLEngine) Migrate() error {
	return e.db.AutoMigrate(&common.EntityRecord{})
}

// Ingest implements Engine.
func (e *SQLEngine) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	dataSource := strings.ToUpper(strings.TrimSpace(req.DataSource))
	if dataSource == "" {
		return IngestResult{}, NewError(CodeInvalidRecord, "record has no data source")
	}
	if !json.Valid([]byte(req.RecordJSON)) {
		return IngestResult{}, NewError(CodeInvalidRecord, "record is not valid JSON")
	}

	if e.sources != nil {
		ok, err := e.sources.Exists(ctx, dataSource)
		if err != nil {
			return IngestResult{}, NewError(CodeUnavailable, err.Error())
		}
		if !ok {
			return IngestResult{}, NewError(CodeUnknownDataSource, "data source code is not configured: "+dataSource)
		}
	}

	recordID := strings.TrimSpace(req.RecordID)
	if recordID == "" {
		recordID = uuid.NewString()
	}

	now := time.Now()
	row := common.EntityRecord{
		DataSource: dataSource,
		RecordID:   recordID,
		LoadID:     null.NewString(req.LoadID, req.LoadID != ""),
		JSONData:   req.RecordJSON,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "data_source"}, {Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"load_id", "json_data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		e.log.Debug("Record upsert failed",
			zap.String("data_source", dataSource),
			zap.String("record_id", recordID),
			zap.Error(err),
		)
		return IngestResult{}, NewError(CodeStorageFailure, err.Error())
	}

	res := IngestResult{DataSource: dataSource, RecordID: recordID}
	if req.WithInfo {
		info, err := json.MarshalToString(map[string]interface{}{
			"DATA_SOURCE": dataSource,
			"RECORD_ID":   recordID,
			"LOAD_ID":     req.LoadID,
			"AFFECTED_ENTITIES": []map[string]string{
				{"DATA_SOURCE": dataSource, "RECORD_ID": recordID},
			},
		})
		if err != nil {
			return res, NewError(CodeStorageFailure, err.Error())
		}
		res.Info = info
	}
	return res, nil
}

// Count returns the number of stored records for a data source, or all
// records when dataSource is empty.
func (e *SQLEngine) Count(ctx context.Context, dataSource string) (int64, error) {
	var n int64
	q := e.db.WithContext(ctx).Model(&common.EntityRecord{})
	if dataSource != "" {
		q = q.Where("data_source = ?", strings.ToUpper(dataSource))
	}
	err := q.Count(&n).Error
	return n, err
}
