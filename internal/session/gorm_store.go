package session

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"

	"github.com/weiawesome/derma-console/pkg/database"
)

// GormStore keeps the session in a single-row table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates the store and migrates its table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := database.AutoMigrate(db, &SessionModel{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (r *GormStore) Load(ctx context.Context) (*Session, error) {
	var model SessionModel
	result := r.db.WithContext(ctx).First(&model, "slot = ?", currentKey)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNoSession
		}
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

func (r *GormStore) Save(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Save(sessionToModel(s)).Error
}

func (r *GormStore) Clear(ctx context.Context) error {
	return r.db.WithContext(ctx).Delete(&SessionModel{}, "slot = ?", currentKey).Error
}

// MemoryStore keeps the session in memory only.
type MemoryStore struct {
	mu sync.Mutex
	s  *Session
}

func (m *MemoryStore) Load(context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return nil, ErrNoSession
	}
	cp := *m.s
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.s = &cp
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = nil
	return nil
}
