// Package reportcache is the optional on-disk cache of analysis
// outputs keyed by plugin identity, its SetConfig config hash, and the
// target key queried, so a rerun against an unchanged target and
// configuration can skip re-querying the plugin (§4.4).
package reportcache

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mitre/hipcheck/internal/hcconfig"
	"github.com/mitre/hipcheck/internal/hcerr"
)

// Entry is one cached (plugin, config, target) -> output mapping.
type Entry struct {
	ID              uint      `gorm:"primarykey"`
	PluginPublisher string    `gorm:"index:idx_lookup"`
	PluginName      string    `gorm:"index:idx_lookup"`
	ConfigHash      string    `gorm:"index:idx_lookup"`
	TargetKey       string    `gorm:"index:idx_lookup"`
	Output          string
	CreatedAt       time.Time
}

// Cache wraps the gorm handle backing the report cache.
type Cache struct {
	db *gorm.DB
}

// Open dials the configured driver and auto-migrates the Entry table.
// Callers should only call Open when cfg.Enabled is true.
func Open(cfg hcconfig.ReportConfig) (*Cache, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, hcerr.New(hcerr.StartupConfigError, "report cache: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, hcerr.Wrap(hcerr.StartupConfigError, err, "opening report cache")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, hcerr.Wrap(hcerr.StartupConfigError, err, "migrating report cache schema")
	}
	return &Cache{db: db}, nil
}

// Get returns a previously cached output for the given plugin,
// config hash, and target key, if one exists.
func (c *Cache) Get(publisher, name, configHash, targetKey string) (output string, ok bool, err error) {
	var entry Entry
	res := c.db.Where(
		"plugin_publisher = ? AND plugin_name = ? AND config_hash = ? AND target_key = ?",
		publisher, name, configHash, targetKey,
	).Order("created_at desc").First(&entry)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, hcerr.Wrap(hcerr.AnalysisError, res.Error, "reading report cache")
	}
	return entry.Output, true, nil
}

// Put records an analysis output for later reuse.
func (c *Cache) Put(publisher, name, configHash, targetKey, output string) error {
	entry := Entry{
		PluginPublisher: publisher,
		PluginName:      name,
		ConfigHash:      configHash,
		TargetKey:       targetKey,
		Output:          output,
		CreatedAt:       time.Now(),
	}
	if err := c.db.Create(&entry).Error; err != nil {
		return hcerr.Wrap(hcerr.AnalysisError, err, "writing report cache entry")
	}
	return nil
}

// Close releases the underlying database connection.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
