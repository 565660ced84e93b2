package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/narwhalmedia/switchboard/internal/config"
)

// recordModel is the dead_letters row.
type recordModel struct {
	ID         uint   `gorm:"primaryKey"`
	EventID    string `gorm:"index;not null"`
	EventType  string `gorm:"index;not null"`
	Source     string
	RoutingKey string
	Attempts   int
	Error      string    `gorm:"type:text"`
	FailedAt   time.Time `gorm:"index"`
	Envelope   []byte
	CreatedAt  time.Time
}

func (recordModel) TableName() string { return "dead_letters" }

func (m recordModel) toRecord() Record {
	return Record{
		EventID:    m.EventID,
		EventType:  m.EventType,
		Source:     m.Source,
		RoutingKey: m.RoutingKey,
		Attempts:   m.Attempts,
		Error:      m.Error,
		FailedAt:   m.FailedAt,
		Envelope:   m.Envelope,
	}
}

// OpenDB opens the dead-letter database for cfg.Dialect.
func OpenDB(cfg config.DeadLetterConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Dialect {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown dead letter dialect: %q", cfg.Dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(logger),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open dead letter database: %w", err)
	}
	return db, nil
}

// GormSink stores records in the dead_letters table.
type GormSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormSink migrates the table and returns the sink.
func NewGormSink(db *gorm.DB, logger *zap.Logger) (*GormSink, error) {
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("migrate dead letters: %w", err)
	}
	return &GormSink{db: db, logger: logger.Named("deadletter")}, nil
}

// Store implements Sink.
func (s *GormSink) Store(ctx context.Context, rec Record) error {
	m := recordModel{
		EventID:    rec.EventID,
		EventType:  rec.EventType,
		Source:     rec.Source,
		RoutingKey: rec.RoutingKey,
		Attempts:   rec.Attempts,
		Error:      rec.Error,
		FailedAt:   rec.FailedAt,
		Envelope:   rec.Envelope,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// List returns the newest records first, optionally only of eventType.
func (s *GormSink) List(ctx context.Context, eventType string, limit int) ([]Record, error) {
	q := s.db.WithContext(ctx).Order("failed_at DESC, id DESC")
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []recordModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, len(rows))
	for i, m := range rows {
		out[i] = m.toRecord()
	}
	return out, nil
}

// Delete removes every record of eventID, after it has been replayed.
func (s *GormSink) Delete(ctx context.Context, eventID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&recordModel{})
	return res.RowsAffected, res.Error
}

// Close closes the underlying connection pool.
func (s *GormSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLogger routes gorm logging into zap.
type gormLogger struct {
	logger *zap.Logger
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	return &gormLogger{logger: logger.Named("gorm")}
}

func (l *gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	l.logger.Sugar().Infof(msg, data...)
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	l.logger.Sugar().Warnf(msg, data...)
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	l.logger.Sugar().Errorf(msg, data...)
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.logger.Error("sql error",
			zap.Error(err),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		)
		return
	}
	if elapsed > 200*time.Millisecond {
		l.logger.Warn("slow sql query",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		)
		return
	}
	l.logger.Debug("sql trace",
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	)
}
