// Package repository provides a thin generic gorm store for domain models.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// Option mutates the query before execution.
type Option func(*gorm.DB) *gorm.DB

// Repository exposes common persistence operations for a model type.
type Repository[T any] interface {
	Create(ctx context.Context, record *T) error
	Find(ctx context.Context, filter *T, opts ...Option) ([]*T, error)
	FindOne(ctx context.Context, filter *T, opts ...Option) (*T, error)
	Save(ctx context.Context, record *T) error
	Delete(ctx context.Context, filter *T) error
	WithTx(tx *gorm.DB) Repository[T]
}

type store[T any] struct {
	db *gorm.DB
}

// ProvideStore builds a Repository bound to the given connection.
func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) Create(ctx context.Context, record *T) error {
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *store[T]) Find(ctx context.Context, filter *T, opts ...Option) ([]*T, error) {
	var records []*T
	query := s.db.WithContext(ctx).Where(filter)
	for _, opt := range opts {
		query = opt(query)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (s *store[T]) FindOne(ctx context.Context, filter *T, opts ...Option) (*T, error) {
	var record T
	query := s.db.WithContext(ctx).Where(filter)
	for _, opt := range opts {
		query = opt(query)
	}
	err := query.First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *store[T]) Save(ctx context.Context, record *T) error {
	return s.db.WithContext(ctx).Save(record).Error
}

func (s *store[T]) Delete(ctx context.Context, filter *T) error {
	return s.db.WithContext(ctx).Where(filter).Delete(new(T)).Error
}

func (s *store[T]) WithTx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}
