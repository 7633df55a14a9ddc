package common

import (
	"time"

	"github.com/guregu/null/v5"
)

// DataSource is a configured data source code records may be loaded into.
type DataSource struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"size:64;uniqueIndex" json:"dataSourceCode"`
	CreatedAt time.Time `json:"createdAt"`
}

func (DataSource) TableName() string {
	return "data_sources"
}

// EntityRecord is a record stored by the SQL engine.
type EntityRecord struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	DataSource string      `gorm:"size:64;uniqueIndex:idx_source_record" json:"dataSource"`
	RecordID   string      `gorm:"size:250;uniqueIndex:idx_source_record" json:"recordId"`
	LoadID     null.String `gorm:"size:250;index" json:"loadId"`
	JSONData   string      `gorm:"type:text" json:"jsonData"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

func (EntityRecord) TableName() string {
	return "entity_records"
}

// LoadHistory is the persisted summary of one analyze or load request.
type LoadHistory struct {
	ID                uint        `gorm:"primaryKey" json:"id"`
	LoadID            string      `gorm:"size:250;uniqueIndex" json:"loadId"`
	Operation         string      `gorm:"size:16" json:"operation"`
	Status            string      `gorm:"size:16;index" json:"status"`
	CharacterEncoding null.String `gorm:"size:64" json:"characterEncoding"`
	MediaType         null.String `gorm:"size:64" json:"mediaType"`
	RecordCount       int64       `json:"recordCount"`
	LoadedCount       int64       `json:"loadedRecordCount"`
	FailedCount       int64       `json:"failedRecordCount"`
	IncompleteCount   int64       `json:"incompleteRecordCount"`
	ErrorMessage      null.String `gorm:"type:text" json:"errorMessage"`
	ResultJSON        string      `gorm:"type:text" json:"-"`
	StartedAt         time.Time   `json:"startedAt"`
	FinishedAt        null.Time   `json:"finishedAt"`
}

func (LoadHistory) TableName() string {
	return "load_history"
}
