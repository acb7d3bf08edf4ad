// Package storage persists completed traffic entries to a sqlite archive.
// It is an optional traffic-bus subscriber; the proxy works without it.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mockpod/mockpod/log"
	"github.com/mockpod/mockpod/traffic"
)

// Record is the archived form of one exchange.
type Record struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	Method     string `gorm:"type:varchar(10);index"`
	URL        string `gorm:"index"`
	Host       string `gorm:"index"`
	Scheme     string `gorm:"type:varchar(8)"`
	StatusCode int
	Request    []byte
	Response   []byte
	StartedAt  time.Time `gorm:"index"`
	DurationMs int64
}

// Archive wraps the sqlite database holding traffic records.
type Archive struct {
	db *gorm.DB
}

// Open creates or opens the archive at path and migrates its schema.
func Open(path string) (*Archive, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: &busLogger{level: gormlogger.Warn},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Archive{db: db}, nil
}

// Save stores one completed entry.
func (a *Archive) Save(e *traffic.Entry) error {
	rec := Record{
		ID:         e.ID,
		Method:     e.Method,
		URL:        e.URL,
		Host:       e.Host,
		Scheme:     e.Scheme,
		StatusCode: e.StatusCode,
		Request:    e.RequestBody,
		Response:   e.ResponseBody,
		StartedAt:  e.Start,
		DurationMs: e.Duration.Milliseconds(),
	}
	if err := a.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("storage: save entry %s: %w", e.ID, err)
	}
	return nil
}

// Subscriber adapts the archive to the traffic bus. Persistence errors are
// logged, not surfaced; the capture stream is not the source of truth.
func (a *Archive) Subscriber() traffic.SubscriberFunc {
	return func(e *traffic.Entry) {
		if !e.Complete {
			return
		}
		if err := a.Save(e); err != nil {
			log.Warnf("archiving traffic entry: %v", err)
		}
	}
}

// Recent returns the n most recently started records, newest first.
func (a *Archive) Recent(n int) ([]Record, error) {
	var out []Record
	err := a.db.Order("started_at desc").Limit(n).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list records: %w", err)
	}
	return out, nil
}

// busLogger bridges gorm's logger to the proxy's.
type busLogger struct {
	level gormlogger.LogLevel
}

func (l *busLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *busLogger) Info(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		log.Infof(msg, data...)
	}
}

func (l *busLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		log.Warnf(msg, data...)
	}
}

func (l *busLogger) Error(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		log.Errorf(msg, data...)
	}
}

func (l *busLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && l.level >= gormlogger.Error:
		log.Errorf("sql error: %v (%s, %d rows)", err, sql, rows)
	case elapsed > time.Second && l.level >= gormlogger.Warn:
		log.Warnf("slow sql (%v): %s", elapsed, sql)
	}
}
