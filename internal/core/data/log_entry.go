package data

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LogEntry is one persisted log line.
type LogEntry struct {
	ID      uint64    `gorm:"primaryKey"`
	Time    time.Time `gorm:"index; not null"`
	Level   string    `gorm:"index; not null"`
	Message string
	// Fields holds the structured fields as a JSON object.
	Fields string
}

func (LogEntry) TableName() string { return "log_entries" }

// AddLogEntry persists entry.
func AddLogEntry(db *gorm.DB, entry *LogEntry) error {
	return db.Create(entry).Error
}

// FindLogEntries returns up to limit entries at or above level, newest first.
func FindLogEntries(db *gorm.DB, level logrus.Level, limit int) ([]LogEntry, error) {
	var names []string
	for _, l := range logrus.AllLevels {
		if l <= level {
			names = append(names, l.String())
		}
	}

	var entries []LogEntry
	err := db.Where("level IN ?", names).Order("time desc, id desc").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// LogHook is a logrus hook writing every entry to the database.
type LogHook struct {
	DB *gorm.DB
}

func (h *LogHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *LogHook) Fire(e *logrus.Entry) error {
	entry := &LogEntry{Time: e.Time, Level: e.Level.String(), Message: e.Message}
	if len(e.Data) > 0 {
		fields := make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			fields[k] = fmt.Sprint(v)
		}
		encoded, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encoding log fields: %w", err)
		}
		entry.Fields = string(encoded)
	}
	return AddLogEntry(h.DB, entry)
}
