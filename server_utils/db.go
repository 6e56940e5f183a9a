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

package server_utils

import (
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite" // It doesn't require CGO
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitSQLiteDB opens the sqlite database at dbPath, creating the parent
// directory if needed.  gorm logs through logrus.
func InitSQLiteDB(dbPath string) (*gorm.DB, error) {
	if dbPath == "" {
		return nil, errors.New("SQLite database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for SQLite database at %s", dbPath)
	}
	if len(filepath.Ext(dbPath)) == 0 {
		dbPath += ".sqlite"
	}
	dbName := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	ormLevel := logger.Warn
	switch log.GetLevel() {
	case log.DebugLevel, log.TraceLevel:
		ormLevel = logger.Info
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		ormLevel = logger.Error
	}
	gormLogger := logger.New(log.WithField("component", "gorm"), logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  ormLevel,
		IgnoreRecordNotFoundError: true,
	})

	log.Debugln("Opening connection to sqlite DB", dbName)
	db, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open the database with path: %s", dbPath)
	}
	return db, nil
}

// MigrateDB brings the schema up to date with the goose migrations found
// under dir in migrationFS.
func MigrateDB(sqldb *sql.DB, migrationFS fs.FS, dir string) error {
	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(log.WithField("component", "goose"))

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return errors.Wrap(goose.Up(sqldb, dir), "failed to apply database migrations")
}

func ShutdownDB(db *gorm.DB) error {
	sqldb, err := db.DB()
	if err != nil {
		log.Errorln("Failure when getting database instance from gorm:", err)
		return err
	}
	if err = sqldb.Close(); err != nil {
		log.Errorln("Failure when shutting down the database:", err)
	}
	return err
}
