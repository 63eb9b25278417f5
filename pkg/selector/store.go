package selector

import (
	"context"
	"time"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
)

// Store is the persistence surface the selector needs. *credstore.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	List(ctx context.Context, provider string) ([]credential.Stored, error)
	ReplaceForProvider(ctx context.Context, provider string, creds []credential.Credential) ([]int64, error)
	Update(ctx context.Context, id int64, c credential.Credential) error
	Delete(ctx context.Context, id int64) error
	DeleteForProvider(ctx context.Context, provider string) error
	GetCache(ctx context.Context, key string) (string, bool, error)
	SetCache(ctx context.Context, key, value string, ttl time.Duration) error
	Path() string
}

// usageCachePrefix namespaces probe results inside the store's cache table.
const usageCachePrefix = "usage_cache:"

// storeCache adapts a Store into the usage.Cache probers expect, prefixing
// keys so probe entries never collide with other cache users.
type storeCache struct {
	store Store
}

func (c storeCache) GetCache(ctx context.Context, key string) (string, bool, error) {
	return c.store.GetCache(ctx, usageCachePrefix+key)
}

func (c storeCache) SetCache(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.store.SetCache(ctx, usageCachePrefix+key, value, ttl)
}
