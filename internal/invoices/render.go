package invoices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inaiurai/settlement/internal/models"
)

// Fetcher posts a body and returns the raw response; *remote.Client satisfies it.
type Fetcher interface {
	Post(ctx context.Context, path, accept string, body any) ([]byte, error)
}

// PDFRenderer delegates rendering to the document service.
type PDFRenderer struct {
	remote Fetcher
}

func NewPDFRenderer(remote Fetcher) *PDFRenderer {
	return &PDFRenderer{remote: remote}
}

func (r *PDFRenderer) Render(ctx context.Context, inv *models.Invoice) ([]byte, error) {
	doc, err := r.remote.Post(ctx, "/v1/render/invoice", "application/pdf", inv)
	if err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", inv.ID, err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("render invoice %s: empty document", inv.ID)
	}
	return doc, nil
}

// LocalLocker serializes aggregation inside a single process. Used when Redis is not configured.
// An entry lives only while some caller holds or waits for its key.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	slot chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localLock{slot: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-e.slot
			l.unref(key, e)
		})
		return nil
	}, nil
}

func (l *LocalLocker) unref(key string, e *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
