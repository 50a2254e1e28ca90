package segcrypt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hlsget/hlsget/internal/domain"
)

// KeyFetcher downloads and caches static AES-128 keys. Playlists typically
// reference the same key URL for every segment, so each URL is fetched once
// and concurrent requests for the same key wait on the first fetch.
type KeyFetcher struct {
	client *http.Client

	mu   sync.Mutex
	keys map[string][]byte
	wait map[string]chan struct{}
}

func NewKeyFetcher(client *http.Client) *KeyFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &KeyFetcher{
		client: client,
		keys:   make(map[string][]byte),
		wait:   make(map[string]chan struct{}),
	}
}

// Get returns the 16-byte key for keyURL, fetching it on first use.
func (f *KeyFetcher) Get(ctx context.Context, keyURL string) ([]byte, error) {
	for {
		f.mu.Lock()
		if key, ok := f.keys[keyURL]; ok {
			f.mu.Unlock()
			return key, nil
		}
		if ch, inflight := f.wait[keyURL]; inflight {
			f.mu.Unlock()
			select {
			case <-ch:
				continue // re-check the cache
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		f.wait[keyURL] = ch
		f.mu.Unlock()

		key, err := f.fetch(ctx, keyURL)

		f.mu.Lock()
		delete(f.wait, keyURL)
		if err == nil {
			f.keys[keyURL] = key
		}
		close(ch)
		f.mu.Unlock()

		return key, err
	}
}

func (f *KeyFetcher) fetch(ctx context.Context, keyURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("key request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.StatusError{Code: resp.StatusCode, URL: keyURL}
	}

	key := make([]byte, 16)
	if _, err := io.ReadFull(resp.Body, key); err != nil {
		return nil, fmt.Errorf("key read: %w", err)
	}
	return key, nil
}
