package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"order-replicator-go/order"
)

type mappingRow struct {
	SourceOrderID            string          `gorm:"column:source_order_id;type:text;primaryKey"`
	DestinationOrderID       string          `gorm:"column:destination_order_id;type:text;index"`
	DestinationCorrelationID string          `gorm:"column:destination_correlation_id;type:text"`
	SizingStrategy           string          `gorm:"column:sizing_strategy;type:text"`
	ComputedQuantity         int64           `gorm:"column:computed_quantity;not null"`
	FilledQuantity           int64           `gorm:"column:filled_quantity;not null"`
	State                    string          `gorm:"column:state;type:text;not null;index"`
	Reason                   string          `gorm:"column:reason;type:text"`
	MirroredQuantity         int64           `gorm:"column:mirrored_quantity"`
	MirroredPrice            decimal.Decimal `gorm:"column:mirrored_price;type:numeric(20,4)"`
	MirroredTriggerPrice     decimal.Decimal `gorm:"column:mirrored_trigger_price;type:numeric(20,4)"`
	MirroredValidity         string          `gorm:"column:mirrored_validity;type:text"`
	Bracket                  bool            `gorm:"column:is_bracket"`
	CreatedMs                int64           `gorm:"column:created_at;not null"`
	UpdatedMs                int64           `gorm:"column:updated_at;not null"`
}

func (mappingRow) TableName() string { return "copy_mappings" }

type modificationRow struct {
	ID            uint                 `gorm:"primaryKey"`
	SourceOrderID string               `gorm:"column:source_order_id;type:text;not null;index"`
	AtMs          int64                `gorm:"column:at;not null"`
	Fields        []string             `gorm:"column:fields;serializer:json"`
	Before        order.MirroredParams `gorm:"column:before_params;serializer:json"`
	After         order.MirroredParams `gorm:"column:after_params;serializer:json"`
	NewQuantity   int64                `gorm:"column:new_quantity"`
	Result        string               `gorm:"column:result;type:text"`
}

func (modificationRow) TableName() string { return "mapping_modifications" }

type legRow struct {
	ParentOrderID         string `gorm:"column:parent_order_id;type:text;primaryKey"`
	DestinationLegOrderID string `gorm:"column:destination_leg_order_id;type:text;primaryKey;uniqueIndex"`
	LegType               string `gorm:"column:leg_type;type:text"`
	Status                string `gorm:"column:status;type:text"`
	UpdatedMs             int64  `gorm:"column:updated_at"`
}

func (legRow) TableName() string { return "bracket_legs" }

type watermarkRow struct {
	Feed      string `gorm:"column:feed;type:text;primaryKey"`
	Timestamp int64  `gorm:"column:ts;not null"`
	Sequence  int64  `gorm:"column:seq;not null"`
}

func (watermarkRow) TableName() string { return "connection_watermarks" }

// GormStore PostgreSQL 实现。唯一约束、行锁和条件更新保证多进程下的幂等与单调。
type GormStore struct {
	db *gorm.DB
}

// OpenGorm 连接 PostgreSQL 并自动迁移表结构。
func OpenGorm(dsn string, maxOpenConns int) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}
	return NewGormStore(db)
}

// NewGormStore 基于已有连接创建存储（共享连接时使用）。
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&mappingRow{}, &modificationRow{}, &legRow{}, &watermarkRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// DB 返回底层连接（审计 sink 复用）
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) UpsertIfAbsent(ctx context.Context, m order.CopyMapping) (order.CopyMapping, bool, error) {
	if m.SourceOrderID == "" {
		return order.CopyMapping{}, false, fmt.Errorf("upsert: empty source order id")
	}
	if m.State == "" {
		m.State = order.StateReceived
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = m.CreatedAt
	}
	row := toMappingRow(m)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return order.CopyMapping{}, false, fmt.Errorf("upsert mapping %s: %w", m.SourceOrderID, res.Error)
	}
	if res.RowsAffected == 1 {
		return m, true, nil
	}
	existing, err := s.Get(ctx, m.SourceOrderID)
	return existing, false, err
}

func (s *GormStore) Get(ctx context.Context, sourceOrderID string) (order.CopyMapping, error) {
	var row mappingRow
	err := s.db.WithContext(ctx).Where("source_order_id = ?", sourceOrderID).Take(&row).Error
	if err != nil {
		return order.CopyMapping{}, notFound(err, "mapping "+sourceOrderID)
	}
	return row.toMapping(), nil
}

func (s *GormStore) FindByDestinationOrderID(ctx context.Context, destinationOrderID string) (order.CopyMapping, error) {
	var row mappingRow
	err := s.db.WithContext(ctx).Where("destination_order_id = ?", destinationOrderID).Take(&row).Error
	if err != nil {
		return order.CopyMapping{}, notFound(err, "destination order "+destinationOrderID)
	}
	return row.toMapping(), nil
}

func (s *GormStore) Transition(ctx context.Context, sourceOrderID string, to order.MappingState, opts ...TransitionOption) (order.CopyMapping, error) {
	u := buildUpdate(opts)
	var out order.CopyMapping
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row mappingRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("source_order_id = ?", sourceOrderID).Take(&row).Error; err != nil {
			return notFound(err, "mapping "+sourceOrderID)
		}
		cur := row.toMapping()
		next, err := apply(cur, to, u)
		if err != nil {
			out = cur
			return err
		}
		nr := toMappingRow(next)
		if err := tx.Save(&nr).Error; err != nil {
			return fmt.Errorf("save mapping %s: %w", sourceOrderID, err)
		}
		out = next
		return nil
	})
	return out, err
}

func (s *GormStore) ListByStates(ctx context.Context, states ...order.MappingState) ([]order.CopyMapping, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	var rows []mappingRow
	if err := s.db.WithContext(ctx).Where("state IN ?", names).
		Order("created_at, source_order_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	out := make([]order.CopyMapping, len(rows))
	for i, r := range rows {
		out[i] = r.toMapping()
	}
	return out, nil
}

func (s *GormStore) AppendModification(ctx context.Context, m order.Modification) error {
	row := modificationRow{
		SourceOrderID: m.SourceOrderID,
		AtMs:          m.At,
		Fields:        m.Fields,
		Before:        m.Before,
		After:         m.After,
		NewQuantity:   m.NewQuantity,
		Result:        m.Result,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append modification %s: %w", m.SourceOrderID, err)
	}
	return nil
}

func (s *GormStore) Modifications(ctx context.Context, sourceOrderID string) ([]order.Modification, error) {
	var rows []modificationRow
	if err := s.db.WithContext(ctx).Where("source_order_id = ?", sourceOrderID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("modifications %s: %w", sourceOrderID, err)
	}
	out := make([]order.Modification, len(rows))
	for i, r := range rows {
		out[i] = order.Modification{
			SourceOrderID: r.SourceOrderID,
			At:            r.AtMs,
			Fields:        r.Fields,
			Before:        r.Before,
			After:         r.After,
			NewQuantity:   r.NewQuantity,
			Result:        r.Result,
		}
	}
	return out, nil
}

func (s *GormStore) RecordLeg(ctx context.Context, leg order.BracketLeg) (bool, error) {
	if leg.ParentOrderID == "" || leg.DestinationLegOrderID == "" {
		return false, fmt.Errorf("record leg: parent and leg order id required")
	}
	if leg.UpdatedAt == 0 {
		leg.UpdatedAt = time.Now().UnixMilli()
	}
	row := legRow{
		ParentOrderID:         leg.ParentOrderID,
		DestinationLegOrderID: leg.DestinationLegOrderID,
		LegType:               string(leg.LegType),
		Status:                string(leg.Status),
		UpdatedMs:             leg.UpdatedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("record leg %s: %w", leg.DestinationLegOrderID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) UpdateLegStatus(ctx context.Context, parentOrderID, legOrderID string, status order.SourceStatus, at int64) (order.BracketLeg, error) {
	var out order.BracketLeg
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row legRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("parent_order_id = ? AND destination_leg_order_id = ?", parentOrderID, legOrderID).
			Take(&row).Error; err != nil {
			return notFound(err, "leg "+legOrderID)
		}
		next := applyLegStatus(row.toLeg(), status, at)
		if err := tx.Model(&legRow{}).
			Where("parent_order_id = ? AND destination_leg_order_id = ?", parentOrderID, legOrderID).
			Updates(map[string]interface{}{"status": string(next.Status), "updated_at": next.UpdatedAt}).Error; err != nil {
			return fmt.Errorf("update leg %s: %w", legOrderID, err)
		}
		out = next
		return nil
	})
	return out, err
}

func (s *GormStore) FindLeg(ctx context.Context, legOrderID string) (order.BracketLeg, error) {
	var row legRow
	if err := s.db.WithContext(ctx).Where("destination_leg_order_id = ?", legOrderID).Take(&row).Error; err != nil {
		return order.BracketLeg{}, notFound(err, "leg "+legOrderID)
	}
	return row.toLeg(), nil
}

func (s *GormStore) Legs(ctx context.Context, parentOrderID string) ([]order.BracketLeg, error) {
	var rows []legRow
	if err := s.db.WithContext(ctx).Where("parent_order_id = ?", parentOrderID).
		Order("destination_leg_order_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("legs %s: %w", parentOrderID, err)
	}
	out := make([]order.BracketLeg, len(rows))
	for i, r := range rows {
		out[i] = r.toLeg()
	}
	return out, nil
}

func (s *GormStore) Watermark(ctx context.Context, feed string) (order.Watermark, error) {
	var row watermarkRow
	err := s.db.WithContext(ctx).Where("feed = ?", feed).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return order.Watermark{}, nil
	}
	if err != nil {
		return order.Watermark{}, fmt.Errorf("watermark %s: %w", feed, err)
	}
	return order.Watermark{Timestamp: row.Timestamp, Sequence: row.Sequence}, nil
}

// AdvanceWatermark 条件更新，只有更新的水位才会写入。
func (s *GormStore) AdvanceWatermark(ctx context.Context, feed string, w order.Watermark) (order.Watermark, error) {
	db := s.db.WithContext(ctx)
	seed := watermarkRow{Feed: feed}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return order.Watermark{}, fmt.Errorf("seed watermark %s: %w", feed, err)
	}
	if err := db.Model(&watermarkRow{}).
		Where("feed = ? AND (ts < ? OR (ts = ? AND seq < ?))", feed, w.Timestamp, w.Timestamp, w.Sequence).
		Updates(map[string]interface{}{"ts": w.Timestamp, "seq": w.Sequence}).Error; err != nil {
		return order.Watermark{}, fmt.Errorf("advance watermark %s: %w", feed, err)
	}
	return s.Watermark(ctx, feed)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func toMappingRow(m order.CopyMapping) mappingRow {
	return mappingRow{
		SourceOrderID:            m.SourceOrderID,
		DestinationOrderID:       m.DestinationOrderID,
		DestinationCorrelationID: m.DestinationCorrelationID,
		SizingStrategy:           m.SizingStrategy,
		ComputedQuantity:         m.ComputedQuantity,
		FilledQuantity:           m.FilledQuantity,
		State:                    string(m.State),
		Reason:                   m.Reason,
		MirroredQuantity:         m.Mirrored.Quantity,
		MirroredPrice:            m.Mirrored.Price,
		MirroredTriggerPrice:     m.Mirrored.TriggerPrice,
		MirroredValidity:         string(m.Mirrored.Validity),
		Bracket:                  m.Bracket,
		CreatedMs:                m.CreatedAt,
		UpdatedMs:                m.UpdatedAt,
	}
}

func (r mappingRow) toMapping() order.CopyMapping {
	return order.CopyMapping{
		SourceOrderID:            r.SourceOrderID,
		DestinationOrderID:       r.DestinationOrderID,
		DestinationCorrelationID: r.DestinationCorrelationID,
		SizingStrategy:           r.SizingStrategy,
		ComputedQuantity:         r.ComputedQuantity,
		FilledQuantity:           r.FilledQuantity,
		State:                    order.MappingState(r.State),
		Reason:                   r.Reason,
		Mirrored: order.MirroredParams{
			Quantity:     r.MirroredQuantity,
			Price:        r.MirroredPrice,
			TriggerPrice: r.MirroredTriggerPrice,
			Validity:     order.Validity(r.MirroredValidity),
		},
		Bracket:   r.Bracket,
		CreatedAt: r.CreatedMs,
		UpdatedAt: r.UpdatedMs,
	}
}

func (r legRow) toLeg() order.BracketLeg {
	return order.BracketLeg{
		ParentOrderID:         r.ParentOrderID,
		DestinationLegOrderID: r.DestinationLegOrderID,
		LegType:               order.LegType(r.LegType),
		Status:                order.SourceStatus(r.Status),
		UpdatedAt:             r.UpdatedMs,
	}
}
