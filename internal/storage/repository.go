package storage

import (
	"context"
	"errors"

	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
	"gorm.io/gorm"
)

// Repository stores rooms and recordings with gorm.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository { return &Repository{db: db} }

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) SaveRoom(ctx context.Context, room domain.Room) error {
	return r.db.WithContext(ctx).Save(&room).Error
}

func (r *Repository) GetRoom(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, err
}

func (r *Repository) ListRooms(ctx context.Context) ([]domain.Room, error) {
	var rooms []domain.Room
	err := r.db.WithContext(ctx).Order("created_at").Find(&rooms).Error
	return rooms, err
}

func (r *Repository) SaveRecording(ctx context.Context, rec domain.Recording) error {
	return r.db.WithContext(ctx).Save(&rec).Error
}

func (r *Repository) GetRecording(ctx context.Context, id string) (domain.Recording, error) {
	var rec domain.Recording
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Recording{}, core.ErrNotFound
	}
	return rec, err
}

func (r *Repository) ListRecordings(ctx context.Context, room domain.RoomID) ([]domain.Recording, error) {
	var recs []domain.Recording
	err := r.db.WithContext(ctx).Where("room_id = ?", room).Order("start_time").Find(&recs).Error
	return recs, err
}
