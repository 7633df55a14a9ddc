package repository

import (
	"context"
	"fmt"

	"bulkload/application/bulkdata/domain"
	"bulkload/common"

	"github.com/guregu/null/v5"
	json "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoryRepository persists load summaries with gorm
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new HistoryRepository instance
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Migrate creates the history table
func (r *HistoryRepository) Migrate() error {
	return r.db.AutoMigrate(&common.LoadHistory{})
}

// Save stores or replaces the summary for its load ID
func (r *HistoryRepository) Save(ctx context.Context, summary *domain.LoadSummary) error {
	row, err := toModel(summary)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "load_id"}},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to save load history: %w", err)
	}
	return nil
}

// List returns the summaries selected by q. The query must be validated.
func (r *HistoryRepository) List(ctx context.Context, q domain.HistoryQuery) ([]domain.LoadSummary, error) {
	tx := r.db.WithContext(ctx)
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		tx = tx.Where("status IN ?", statuses)
	}
	if q.Operation != "" {
		tx = tx.Where("operation = ?", q.Operation)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("started_at >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		tx = tx.Where("started_at <= ?", q.Until)
	}

	column, dir := q.SortColumn()
	tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: dir == "DESC"}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: dir == "DESC"})
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var rows []common.LoadHistory
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list load history: %w", err)
	}

	out := make([]domain.LoadSummary, 0, len(rows))
	for i := range rows {
		s, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// Get returns the summary for loadID
func (r *HistoryRepository) Get(ctx context.Context, loadID string) (*domain.LoadSummary, error) {
	var row common.LoadHistory
	err := r.db.WithContext(ctx).Where("load_id = ?", loadID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(domain.ErrLoadNotFound, "load %q", loadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get load history: %w", err)
	}
	return fromModel(&row)
}

func toModel(s *domain.LoadSummary) (*common.LoadHistory, error) {
	resultJSON := ""
	if s.Result != nil {
		b, err := json.Marshal(s.Result)
		if err != nil {
			return nil, errors.Wrap(err, "encode load result")
		}
		resultJSON = string(b)
	}

	row := &common.LoadHistory{
		LoadID:            s.LoadID,
		Operation:         s.Operation,
		Status:            string(s.Status),
		CharacterEncoding: null.NewString(s.CharacterEncoding, s.CharacterEncoding != ""),
		MediaType:         null.NewString(s.MediaType, s.MediaType != ""),
		RecordCount:       s.RecordCount,
		LoadedCount:       s.LoadedCount,
		FailedCount:       s.FailedCount,
		IncompleteCount:   s.IncompleteCount,
		ErrorMessage:      null.NewString(s.ErrorMessage, s.ErrorMessage != ""),
		ResultJSON:        resultJSON,
		StartedAt:         s.StartedAt,
		FinishedAt:        null.TimeFromPtr(s.FinishedAt),
	}
	return row, nil
}

func fromModel(row *common.LoadHistory) (*domain.LoadSummary, error) {
	s := &domain.LoadSummary{
		LoadID:            row.LoadID,
		Operation:         row.Operation,
		Status:            domain.Status(row.Status),
		CharacterEncoding: row.CharacterEncoding.String,
		MediaType:         row.MediaType.String,
		RecordCount:       row.RecordCount,
		LoadedCount:       row.LoadedCount,
		FailedCount:       row.FailedCount,
		IncompleteCount:   row.IncompleteCount,
		ErrorMessage:      row.ErrorMessage.String,
		StartedAt:         row.StartedAt,
		FinishedAt:        row.FinishedAt.Ptr(),
	}
	if row.ResultJSON != "" {
		var result map[string]interface{}
		if err := json.UnmarshalFromString(row.ResultJSON, &result); err != nil {
			return nil, errors.Wrapf(err, "decode result of load %q", row.LoadID)
		}
		s.Result = result
	}
	return s, nil
}
