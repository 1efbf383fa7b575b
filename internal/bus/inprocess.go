package bus

import (
	"context"
	"sync"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
)

const (
	defaultWorkers = 4
	defaultBuffer  = 1024
)

type envelope struct {
	topic string
	event *models.Event
}

// workerKey помечает контекст обработчика, запущенного воркером шины
type workerKey struct{}

// InProcess шина в памяти процесса: буферизованная очередь и пул воркеров.
// Доставка не переживает рестарт процесса.
type InProcess struct {
	*Registry

	queue   chan envelope
	workers int
	log     *logger.Logger

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pending  sync.WaitGroup
	started  bool
}

// NewInProcess создает шину в памяти
func NewInProcess(workers, buffer int, log *logger.Logger) *InProcess {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &InProcess{
		Registry: NewRegistry(log),
		queue:    make(chan envelope, buffer),
		workers:  workers,
		log:      log,
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler регистрирует обработчик для типа события
func (b *InProcess) RegisterHandler(eventType models.EventType, handler Handler) {
	b.Register(eventType, handler)
}

// Publish ставит событие в очередь. Вне воркеров блокируется, пока в буфере
// нет места; обработчик при полном буфере не ждет, отправка уходит в фон.
func (b *InProcess) Publish(ctx context.Context, topic string, event *models.Event) error {
	env := envelope{topic: topic, event: event}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.queue <- env:
	default:
		if ctx.Value(workerKey{}) != nil {
			b.pending.Add(1)
			go b.sendLater(env)
			return nil
		}
		select {
		case b.queue <- env:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}

	b.log.WithField("topic", topic).
		WithField("event_type", event.Type).
		WithField("event_id", event.ID).
		Debug("Event published successfully")
	return nil
}

func (b *InProcess) sendLater(env envelope) {
	defer b.pending.Done()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.closed {
		select {
		case b.queue <- env:
			return
		case <-b.done:
		}
	}
	b.log.WithField("topic", env.topic).
		WithField("event_id", env.event.ID).
		Warn("Bus stopped before deferred event was queued, event dropped")
}

// Start запускает воркеры
func (b *InProcess) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return nil
	}
	b.started = true

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	b.log.WithField("workers", b.workers).Info("In-process bus started")
	return nil
}

// Stop перестает принимать события, дорабатывает очередь и ждет воркеры.
// Публикации, ждущие места в буфере, получают ErrClosed.
func (b *InProcess) Stop() error {
	b.stopOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	started := b.started
	b.mu.Unlock()

	if started {
		b.wg.Wait()
	}
	b.pending.Wait()
	b.cancel()
	return nil
}

func (b *InProcess) worker() {
	defer b.wg.Done()
	ctx := context.WithValue(b.ctx, workerKey{}, true)
	for env := range b.queue {
		if err := b.Dispatch(ctx, env.event); err != nil {
			b.log.WithError(err).
				WithField("topic", env.topic).
				WithField("event_id", env.event.ID).
				Error("Failed to process message")
		}
	}
}
