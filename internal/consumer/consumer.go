// Package consumer реализует цикл выборки и применения событий леджера.
package consumer

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
	"github.com/mmeshcher/bazaar-indexer/internal/metrics"
	"github.com/mmeshcher/bazaar-indexer/internal/projection"
	"github.com/mmeshcher/bazaar-indexer/internal/repository"
)

// Source описывает контракт источника событий леджера.
type Source interface {
	Events(ctx context.Context, after *event.OrderingKey, limit int) ([]event.Envelope, time.Duration, error)
}

// Applier описывает контракт применения одного события к хранилищу.
type Applier interface {
	Apply(ctx context.Context, st projection.Store, env event.Envelope) error
}

// Repository описывает контракт атомарного применения событий.
type Repository interface {
	ApplyEvent(ctx context.Context, fn func(st projection.Store) error) error
	LastCheckpoint(ctx context.Context) (event.OrderingKey, bool, error)
}

// Consumer последовательно выбирает события строго после контрольной точки
// и применяет их по одному. Событие N+1 не начинает обрабатываться, пока
// мутации и сдвиг контрольной точки события N не зафиксированы.
type Consumer struct {
	source    Source
	repo      Repository
	projector Applier
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics

	pollInterval time.Duration
	batchSize    int
}

// New создаёт потребитель событий с указанным интервалом опроса
// и размером пакета выборки.
func New(source Source, repo Repository, projector Applier, logger *zap.SugaredLogger,
	m *metrics.Metrics, pollInterval time.Duration, batchSize int) *Consumer {
	return &Consumer{
		source:       source,
		repo:         repo,
		projector:    projector,
		logger:       logger,
		metrics:      m,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run запускает цикл опроса до отмены контекста. Текущая позиция —
// явное значение, протягиваемое через цикл; при старте она читается
// из контрольной точки хранилища, поэтому после рестарта потребление
// продолжается строго после последнего зафиксированного события.
func (c *Consumer) Run(ctx context.Context) error {
	cursor, ok, err := c.repo.LastCheckpoint(ctx)
	if err != nil {
		return err
	}
	if ok {
		c.logger.Infow("resuming after checkpoint", "checkpoint", cursor.String())
	} else {
		c.logger.Infow("no checkpoint, consuming from the beginning")
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cursor, ok = c.processBatch(ctx, cursor, ok)
		}
	}
}

// processBatch выбирает очередной пакет событий и применяет его по одному,
// возвращая продвинутую позицию. Ошибка применения прерывает пакет:
// оставшиеся события будут перечитаны от контрольной точки на следующем цикле.
func (c *Consumer) processBatch(ctx context.Context, cursor event.OrderingKey, ok bool) (event.OrderingKey, bool) {
	var after *event.OrderingKey
	if ok {
		after = &cursor
	}

	events, retryAfter, err := c.source.Events(ctx, after, c.batchSize)
	if err != nil {
		c.logger.Warnw("fetch events failed", "error", err)
		return cursor, ok
	}
	if retryAfter > 0 {
		c.wait(ctx, retryAfter)
		return cursor, ok
	}

	for _, env := range events {
		if err := c.applyOne(ctx, env); err != nil {
			c.logger.Errorw("apply event failed, will retry from checkpoint",
				"kind", env.Kind, "key", env.Key.String(), "error", err)
			return cursor, ok
		}
		// Метрики отражают только зафиксированные события:
		// откаченная транзакция сюда не доходит.
		c.metrics.EventsApplied.WithLabelValues(string(env.Kind)).Inc()
		c.metrics.LastAppliedBlock.Set(float64(env.Key.Block))
		cursor, ok = env.Key, true
	}

	return cursor, ok
}

// applyOne применяет одно событие в одной транзакции хранилища.
// Временные сбои хранилища повторяются с экспоненциальной задержкой.
func (c *Consumer) applyOne(ctx context.Context, env event.Envelope) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.repo.ApplyEvent(ctx, func(st projection.Store) error {
			return c.projector.Apply(ctx, st, env)
		})
		if err != nil && repository.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
