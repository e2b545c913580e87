package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultScanInterval はバックグラウンドスキャンの既定間隔
const DefaultScanInterval = 30 * time.Second

// Catalog は列挙したカメラデバイスの特性を保持する
type Catalog struct {
	enumerator Enumerator
	logger     *zap.SugaredLogger

	mu    sync.RWMutex
	descs []Descriptor

	scanInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	started      bool
}

// NewCatalog は新しいCatalogを作成する。scanIntervalが0以下ならバックグラウンドスキャンしない
func NewCatalog(enumerator Enumerator, scanInterval time.Duration, logger *zap.SugaredLogger) *Catalog {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Catalog{
		enumerator:   enumerator,
		logger:       logger,
		scanInterval: scanInterval,
	}
}

// Start は初期スキャンを行い、バックグラウンドスキャンを開始する
func (c *Catalog) Start(ctx context.Context) error {
	if _, err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.scanInterval <= 0 {
		return nil
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.backgroundScan(ctx, c.stopCh)
	return nil
}

// Stop はバックグラウンドスキャンを停止する
func (c *Catalog) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}

// Refresh はデバイスを再列挙して一覧を置き換える
func (c *Catalog) Refresh(ctx context.Context) ([]Descriptor, error) {
	descs, err := c.enumerator.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.descs = descs
	c.mu.Unlock()

	c.logger.Debugw("カメラデバイスを列挙しました", "count", len(descs))
	return c.Descriptors(), nil
}

// Descriptors は列挙済みの特性のコピーを返す
func (c *Catalog) Descriptors() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.descs))
	for _, d := range c.descs {
		out = append(out, d.Clone())
	}
	return out
}

// Lookup は指定IDの特性を返す
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, d := range c.descs {
		if d.ID == id {
			return d.Clone(), true
		}
	}
	return Descriptor{}, false
}

// FindByFacing は指定した向きの最初のデバイスを返す
func (c *Catalog) FindByFacing(f Facing) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, d := range c.descs {
		if d.Facing == f {
			return d.Clone(), true
		}
	}
	return Descriptor{}, false
}

// FindByLensType は指定した種類の最初のデバイスを返す
//
// LensDefaultは背面カメラを優先し、なければ最初のデバイスを返す。
func (c *Catalog) FindByLensType(l LensType) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if l == LensDefault {
		for _, d := range c.descs {
			if d.Facing == FacingBack {
				return d.Clone(), true
			}
		}
		if len(c.descs) > 0 {
			return c.descs[0].Clone(), true
		}
		return Descriptor{}, false
	}
	for _, d := range c.descs {
		if d.Lens() == l {
			return d.Clone(), true
		}
	}
	return Descriptor{}, false
}

// Facings は利用可能なレンズの向きを重複なく返す
func (c *Catalog) Facings() []Facing {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Facing
	seen := make(map[Facing]bool)
	for _, d := range c.descs {
		if !seen[d.Facing] {
			seen[d.Facing] = true
			out = append(out, d.Facing)
		}
	}
	return out
}

// backgroundScan は定期的なデバイススキャンを実行する
func (c *Catalog) backgroundScan(ctx context.Context, stopCh <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				c.logger.Warnw("デバイスの再スキャンに失敗しました", "error", err)
			}
		}
	}
}
