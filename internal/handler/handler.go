// Package handler содержит операционные HTTP-ручки индексатора.
// Витрина сущностей наружу не публикуется: её читает внешний потребитель
// напрямую из хранилища.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
)

// Repository определяет контракт хранилища, используемый операционными ручками.
type Repository interface {
	Ping(ctx context.Context) error
	LastCheckpoint(ctx context.Context) (event.OrderingKey, bool, error)
}

// Handler реализует операционные HTTP-ручки индексатора.
type Handler struct {
	repo    Repository
	logger  *zap.Logger
	metrics http.Handler
}

// NewHandler создаёт новый экземпляр обработчика операционных запросов.
// metrics — готовый обработчик выдачи метрик Prometheus.
func NewHandler(repo Repository, logger *zap.Logger, metrics http.Handler) *Handler {
	return &Handler{
		repo:    repo,
		logger:  logger,
		metrics: metrics,
	}
}

// Health сообщает, что процесс жив.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Ready сообщает готовность к работе: проверяется доступность базы данных.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Sugar().Warnw("readiness probe failed", "error", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type checkpointResponse struct {
	Block    uint64 `json:"block"`
	TxIndex  uint32 `json:"txIndex"`
	LogIndex uint32 `json:"logIndex"`
}

// Checkpoint возвращает ключ последнего применённого события.
// Если события ещё не применялись, возвращается 204 No Content.
func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	key, ok, err := h.repo.LastCheckpoint(r.Context())
	if err != nil {
		h.logger.Sugar().Errorw("checkpoint read failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(checkpointResponse{
		Block:    key.Block,
		TxIndex:  key.TxIndex,
		LogIndex: key.LogIndex,
	}); err != nil {
		h.logger.Sugar().Errorw("encode checkpoint response", "error", err)
	}
}
