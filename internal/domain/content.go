package domain

import "time"

// ScrapedContent is a raw item produced by the scraping workers.
type ScrapedContent struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	Source      string    `gorm:"type:text;not null;index:idx_scraped_source_created" json:"source"`
	URL         string    `gorm:"type:text" json:"url"`
	Title       string    `gorm:"type:text" json:"title"`
	ContentHash string    `gorm:"type:text;index" json:"content_hash"`
	CreatedAt   time.Time `gorm:"index:idx_scraped_source_created" json:"created_at"`
}

// TableName returns the database table name for ScrapedContent.
func (ScrapedContent) TableName() string {
	return "scraped_content"
}

// ProcessedContent is an item the processing workers derived from a ScrapedContent row.
type ProcessedContent struct {
	ID              string    `gorm:"type:text;primaryKey" json:"id"`
	Source          string    `gorm:"type:text;not null;index" json:"source"`
	OriginalID      string    `gorm:"type:text;not null;index" json:"original_id"`
	QualityScore    float64   `json:"quality_score"`
	WordCount       int       `json:"word_count"`
	IsTrainingReady bool      `gorm:"index" json:"is_training_ready"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName returns the database table name for ProcessedContent.
func (ProcessedContent) TableName() string {
	return "processed_content"
}

// UsageLog is a row written by the serving API for each request.
// The scheduler only deletes them.
type UsageLog struct {
	ID         string    `gorm:"type:text;primaryKey" json:"id"`
	UserID     *string   `gorm:"type:text" json:"user_id"`
	Endpoint   string    `gorm:"type:text" json:"endpoint"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName returns the database table name for UsageLog.
func (UsageLog) TableName() string {
	return "api_usage"
}
