package database

import (
	"fmt"
	"time"

	"realtime-poll-backend/config"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 根据配置连接数据库并自动迁移
func Open(cfg *config.Config) (*gorm.DB, error) {
	log := logging.For("database", "Open")

	gormLogger := logger.New(
		logging.Logger,
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)
	gcfg := &gorm.Config{Logger: gormLogger, TranslateError: true}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case "sqlite":
		log.WithField("path", cfg.SQLitePath).Info("using sqlite database")
		db, err = openSQLite(cfg.SQLitePath, gcfg)
	default:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
		log.WithField("host", cfg.DBHost).Info("using mysql database")
		db, err = gorm.Open(mysql.Open(dsn), gcfg)
		if err == nil {
			err = tunePool(db, 50)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if cfg.Environment == "development" {
		createSampleData(db)
	}

	log.Info("database connected and migrated")
	return db, nil
}

// OpenSQLite 打开一个 SQLite 库，测试和本地开发使用
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := openSQLite(path, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func openSQLite(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), gcfg)
	if err != nil {
		return nil, err
	}
	// SQLite 只允许单写，连接池固定为 1，事务内所有查询必须走同一个 tx
	if err := tunePool(db, 1); err != nil {
		return nil, err
	}
	return db, nil
}

func tunePool(db *gorm.DB, maxOpen int) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

// Migrate 自动迁移全部表结构
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("migrate models: %w", err)
	}
	return nil
}

// Ping 健康检查使用
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close 关闭数据库连接
func Close(db *gorm.DB) {
	log := logging.For("database", "Close")
	sqlDB, err := db.DB()
	if err != nil {
		log.WithError(err).Error("get sql.DB failed")
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.WithError(err).Error("close database failed")
		return
	}
	log.Info("database connection closed")
}

// createSampleData 开发环境下空库时写入一个示例投票
func createSampleData(db *gorm.DB) {
	log := logging.For("database", "createSampleData")

	var count int64
	db.Model(&models.Poll{}).Count(&count)
	if count > 0 {
		return
	}

	endDate := time.Now().Add(7 * 24 * time.Hour)
	poll := models.Poll{
		Question:    "What is your favourite programming language?",
		IsPublished: true,
		EndDate:     &endDate,
		CreatedBy:   "system",
		CreatorName: "System",
		Options: []models.PollOption{
			{Text: "Go", Position: 0},
			{Text: "Python", Position: 1},
			{Text: "Rust", Position: 2},
			{Text: "TypeScript", Position: 3},
		},
	}
	if err := db.Create(&poll).Error; err != nil {
		log.WithError(err).Warn("create sample poll failed")
		return
	}
	log.WithField("poll_id", poll.ID).Info("sample poll created")
}
