package session

import (
	"time"

	"github.com/weiawesome/derma-console/pkg/database"
)

// currentKey is the slot of the single stored session row.
const currentKey = "current"

// SessionModel is the GORM model for the console_sessions table.
type SessionModel struct {
	Slot         string               `gorm:"type:varchar(32);primaryKey"`
	Token        string               `gorm:"type:text;not null"`
	SpecialistID string               `gorm:"type:varchar(64)"`
	DisplayName  string               `gorm:"type:varchar(100)"`
	Role         string               `gorm:"type:varchar(32)"`
	Roles        database.StringArray `gorm:"type:text"`
	Verified     bool
	ExpiresAt    *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for SessionModel.
func (SessionModel) TableName() string {
	return "console_sessions"
}

// ToDomain converts SessionModel to a Session.
func (m *SessionModel) ToDomain() *Session {
	s := &Session{
		Token:        m.Token,
		SpecialistID: m.SpecialistID,
		DisplayName:  m.DisplayName,
		Role:         m.Role,
		Roles:        []string(m.Roles),
		Verified:     m.Verified,
		CreatedAt:    m.CreatedAt,
	}
	if m.ExpiresAt != nil {
		s.ExpiresAt = *m.ExpiresAt
	}
	return s
}

func sessionToModel(s *Session) *SessionModel {
	m := &SessionModel{
		Slot:         currentKey,
		Token:        s.Token,
		SpecialistID: s.SpecialistID,
		DisplayName:  s.DisplayName,
		Role:         s.Role,
		Roles:        database.StringArray(s.Roles),
		Verified:     s.Verified,
		CreatedAt:    s.CreatedAt,
	}
	if !s.ExpiresAt.IsZero() {
		at := s.ExpiresAt
		m.ExpiresAt = &at
	}
	return m
}
