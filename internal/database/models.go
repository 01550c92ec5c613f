package database

import "time"

// WebSession is one browser session record. Payload is the fernet-sealed JSON
// encoding of session.Record; nothing inside it is readable at rest.
type WebSession struct {
	SID       string    `gorm:"column:sid;primaryKey;size:64"`
	Payload   []byte    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
