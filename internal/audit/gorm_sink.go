package audit

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type entryRow struct {
	ID        string `gorm:"column:id;type:uuid;primaryKey"`
	Ts        int64  `gorm:"column:ts;not null;index"`
	MappingID string `gorm:"column:mapping_id;type:text;index"`
	Action    string `gorm:"column:action;type:text;not null"`
	Request   string `gorm:"column:request;type:jsonb"`
	Response  string `gorm:"column:response;type:jsonb"`
	Error     string `gorm:"column:error;type:text"`
}

func (entryRow) TableName() string { return "audit_entries" }

func toRow(e Entry) entryRow {
	return entryRow{
		ID:        e.ID,
		Ts:        e.Timestamp,
		MappingID: e.MappingID,
		Action:    e.Action,
		Request:   jsonOrNull(e.Request),
		Response:  jsonOrNull(e.Response),
		Error:     e.Error,
	}
}

func jsonOrNull(b []byte) string {
	if len(b) == 0 {
		return "null"
	}
	return string(b)
}

func fromRow(r entryRow) Entry {
	e := Entry{ID: r.ID, Timestamp: r.Ts, MappingID: r.MappingID, Action: r.Action, Error: r.Error}
	if r.Request != "" && r.Request != "null" {
		e.Request = []byte(r.Request)
	}
	if r.Response != "" && r.Response != "null" {
		e.Response = []byte(r.Response)
	}
	return e
}

// GormSink 只插入的 audit_entries 表。
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, fmt.Errorf("migrate audit_entries: %w", err)
	}
	return &GormSink{db: db}, nil
}

func (s *GormSink) Write(ctx context.Context, entries []Entry) error {
	rows := make([]entryRow, len(entries))
	for i, e := range entries {
		rows[i] = toRow(e)
	}
	// 重试时已写入的 ID 跳过
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		CreateInBatches(rows, 200).Error
	if err != nil {
		return fmt.Errorf("insert audit entries: %w", err)
	}
	return nil
}

// ForMapping 按时间顺序返回映射的审计轨迹。
func (s *GormSink) ForMapping(ctx context.Context, mappingID string) ([]Entry, error) {
	var rows []entryRow
	err := s.db.WithContext(ctx).
		Where("mapping_id = ?", mappingID).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// Close 数据库连接由 store 持有，这里不关闭。
func (s *GormSink) Close() error { return nil }
