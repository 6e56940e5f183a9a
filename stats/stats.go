/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package stats keeps the running totals the supervisor reports once per
// hour, day, week, month and year.  Each period has a baseline; a summary
// is the difference between the current totals and that baseline.
package stats

import (
	"embed"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pelicanplatform/afd/byte_rate"
	"github.com/pelicanplatform/afd/server_utils"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Period is one of the reporting intervals.
type Period string

const (
	Hour  Period = "hour"
	Day   Period = "day"
	Week  Period = "week"
	Month Period = "month"
	Year  Period = "year"
)

// Periods lists the intervals from the shortest to the longest.
var Periods = []Period{Hour, Day, Week, Month, Year}

// Start returns the beginning of the period that contains t.  Weeks start
// on Monday.
func (p Period) Start(t time.Time) time.Time {
	y, m, d := t.Date()
	loc := t.Location()
	switch p {
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case Week:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc)
	}
	return t
}

// Crossed reports whether a period boundary lies in (last, now].
func (p Period) Crossed(last, now time.Time) bool {
	return p.Start(now).After(last)
}

// Totals are the cumulative counters of the whole installation.
type Totals struct {
	FilesIn     uint64 `gorm:"column:files_in"`
	BytesIn     uint64 `gorm:"column:bytes_in"`
	FilesOut    uint64 `gorm:"column:files_out"`
	BytesOut    uint64 `gorm:"column:bytes_out"`
	Connections uint64 `gorm:"column:connections"`
	Errors      uint64 `gorm:"column:errors"`
	LogBytes    uint64 `gorm:"column:log_bytes"`
}

// Sub returns t - base.  A counter that went backwards, because a host was
// removed or a status area rebuilt, counts from zero.
func (t Totals) Sub(base Totals) Totals {
	sub := func(a, b uint64) uint64 {
		if a < b {
			return a
		}
		return a - b
	}
	return Totals{
		FilesIn:     sub(t.FilesIn, base.FilesIn),
		BytesIn:     sub(t.BytesIn, base.BytesIn),
		FilesOut:    sub(t.FilesOut, base.FilesOut),
		BytesOut:    sub(t.BytesOut, base.BytesOut),
		Connections: sub(t.Connections, base.Connections),
		Errors:      sub(t.Errors, base.Errors),
		LogBytes:    sub(t.LogBytes, base.LogBytes),
	}
}

// Format renders the seven figures of a summary line.
func (t Totals) Format() string {
	return fmt.Sprintf("files in %d (%s), files out %d (%s), connections %d, errors %d, log %s",
		t.FilesIn, byte_rate.FormatSize(float64(t.BytesIn)),
		t.FilesOut, byte_rate.FormatSize(float64(t.BytesOut)),
		t.Connections, t.Errors, byte_rate.FormatSize(float64(t.LogBytes)))
}

type baseline struct {
	Period    string    `gorm:"column:period;primaryKey"`
	StartedAt time.Time `gorm:"column:started_at"`
	Totals    `gorm:"embedded"`
}

func (baseline) TableName() string { return "baselines" }

// Summary is one stored report.
type Summary struct {
	ID        uint      `gorm:"column:id;primaryKey"`
	Period    string    `gorm:"column:period"`
	StartedAt time.Time `gorm:"column:started_at"`
	EndedAt   time.Time `gorm:"column:ended_at"`
	Totals    `gorm:"embedded"`
}

func (Summary) TableName() string { return "summaries" }

// Store persists baselines and summaries so that a restarted supervisor
// continues the running periods.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := server_utils.InitSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := server_utils.MigrateDB(sqlDB, embedMigrations, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return server_utils.ShutdownDB(s.db) }

// Init records current as the baseline of every period that has none yet.
func (s *Store) Init(current Totals, now time.Time) error {
	for _, p := range Periods {
		b := baseline{Period: string(p), StartedAt: p.Start(now), Totals: current}
		err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&b).Error
		if err != nil {
			return errors.Wrapf(err, "failed to initialize %s baseline", p)
		}
	}
	return nil
}

// Summarize closes the running period p at now: it stores and returns the
// difference between current and the baseline, and starts the next period
// with current as its baseline.
func (s *Store) Summarize(p Period, current Totals, now time.Time) (Summary, error) {
	var sum Summary
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var b baseline
		err := tx.Where("period = ?", string(p)).First(&b).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			b = baseline{Period: string(p), StartedAt: p.Start(now)}
		} else if err != nil {
			return err
		}
		sum = Summary{
			Period:    string(p),
			StartedAt: b.StartedAt,
			EndedAt:   now,
			Totals:    current.Sub(b.Totals),
		}
		if err := tx.Create(&sum).Error; err != nil {
			return err
		}
		next := baseline{Period: string(p), StartedAt: p.Start(now), Totals: current}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&next).Error
	})
	return sum, errors.Wrapf(err, "failed to summarize %s", p)
}

// Recent returns the last n summaries of p, newest first.
func (s *Store) Recent(p Period, n int) ([]Summary, error) {
	var out []Summary
	err := s.db.Where("period = ?", string(p)).Order("ended_at DESC, id DESC").Limit(n).Find(&out).Error
	return out, errors.Wrap(err, "failed to read summaries")
}
