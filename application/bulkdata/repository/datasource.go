package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bulkload/application/bulkdata/domain"
	"bulkload/common"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const codesCacheKey = "codes"

// DataSourceRepository is the gorm-backed data source registry. The set of
// codes is cached for ttl and dropped whenever codes are added.
type DataSourceRepository struct {
	db    *gorm.DB
	cache *cache.Cache
}

// NewDataSourceRepository creates a new registry
func NewDataSourceRepository(db *gorm.DB, ttl time.Duration) *DataSourceRepository {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &DataSourceRepository{
		db:    db,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Migrate creates the data source table
func (r *DataSourceRepository) Migrate() error {
	return r.db.AutoMigrate(&common.DataSource{})
}

func (r *DataSourceRepository) codes(ctx context.Context) (map[string]bool, error) {
	if cached, ok := r.cache.Get(codesCacheKey); ok {
		return cached.(map[string]bool), nil
	}

	var list []string
	if err := r.db.WithContext(ctx).Model(&common.DataSource{}).Pluck("code", &list).Error; err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	codes := make(map[string]bool, len(list))
	for _, code := range list {
		codes[code] = true
	}
	r.cache.SetDefault(codesCacheKey, codes)
	return codes, nil
}

// Exists reports whether the normalized code is registered
func (r *DataSourceRepository) Exists(ctx context.Context, code string) (bool, error) {
	codes, err := r.codes(ctx)
	if err != nil {
		return false, err
	}
	return codes[domain.NormalizeCode(code)], nil
}

// List returns every registered code in order
func (r *DataSourceRepository) List(ctx context.Context) ([]string, error) {
	codes, err := r.codes(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, len(codes))
	for code := range codes {
		list = append(list, code)
	}
	sort.Strings(list)
	return list, nil
}

// Add registers codes, ignoring those already present
func (r *DataSourceRepository) Add(ctx context.Context, codes ...string) error {
	rows := make([]common.DataSource, 0, len(codes))
	for _, code := range codes {
		code = domain.NormalizeCode(code)
		if code == "" {
			continue
		}
		rows = append(rows, common.DataSource{Code: code, CreatedAt: time.Now()})
	}
	if len(rows) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(&rows).Error
	r.cache.Delete(codesCacheKey)
	if err != nil {
		return fmt.Errorf("failed to add data sources: %w", err)
	}
	return nil
}
