package captiondb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// Caption is one row of caption history
type Caption struct {
	ID          int64       `json:"id" gorm:"primaryKey"`
	CreatedAt   dbh.IntTime `json:"createdAt"`
	Text        string      `json:"text"`
	InferenceMs int64       `json:"inferenceMs"`
	Steps       int         `json:"steps"`
	ImageKey    string      `json:"imageKey"` // Key in the image archive. Empty if the image was not archived.
}

func (Caption) TableName() string {
	return "caption"
}

// CaptionDB stores the history of generated captions
type CaptionDB struct {
	Log        logs.Log
	DB         *gorm.DB
	MaxRecords int // If greater than zero, then the oldest records are purged when this is exceeded
}

// Open or create a caption DB
func NewCaptionDB(logger logs.Log, dbFilename string, maxRecords int) (*CaptionDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbFilename), 0777); err != nil {
		return nil, err
	}
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &CaptionDB{
		Log:        logger,
		DB:         db,
		MaxRecords: maxRecords,
	}, nil
}

func (c *CaptionDB) Close() {
	if sqlDB, err := c.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// Add a new caption, and return it with its ID populated
func (c *CaptionDB) Add(text string, inferenceMs int64, steps int, imageKey string) (*Caption, error) {
	rec := &Caption{
		CreatedAt:   dbh.MakeIntTime(time.Now()),
		Text:        text,
		InferenceMs: inferenceMs,
		Steps:       steps,
		ImageKey:    imageKey,
	}
	if err := c.DB.Create(rec).Error; err != nil {
		return nil, err
	}
	if c.MaxRecords > 0 {
		if err := c.purge(rec.ID); err != nil {
			c.Log.Warnf("Failed to purge old captions: %v", err)
		}
	}
	return rec, nil
}

// SetImageKey records where the image of a caption was archived
func (c *CaptionDB) SetImageKey(id int64, imageKey string) error {
	return c.DB.Model(&Caption{}).Where("id = ?", id).Update("image_key", imageKey).Error
}

// Get a single caption. Returns gorm.ErrRecordNotFound if it does not exist.
func (c *CaptionDB) Get(id int64) (*Caption, error) {
	rec := &Caption{}
	if err := c.DB.First(rec, id).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns the most recent captions, newest first
func (c *CaptionDB) List(limit int) ([]Caption, error) {
	recs := []Caption{}
	q := c.DB.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// Delete every record more than MaxRecords older than newestID
func (c *CaptionDB) purge(newestID int64) error {
	threshold := newestID - int64(c.MaxRecords)
	if threshold <= 0 {
		return nil
	}
	return c.DB.Where("id <= ?", threshold).Delete(&Caption{}).Error
}
