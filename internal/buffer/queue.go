package buffer

import (
	"sync"
	"time"

	"screenshare/internal/metrics"
)

// DispatchQueue - ограниченная FIFO очередь между приемом из сети и
// диспетчеризацией в декодер. Для кадров/аудио работает в режиме
// drop-oldest: вставка в полную очередь сначала вытесняет самый старый
// элемент, потом вставляет новый - очередь всегда предпочитает самые
// свежие данные. Control-вариант (setup/config задачи) не теряет вставки
// никогда: при переполнении slice просто растет дальше емкости.
//
// Безопасна для нескольких producer'ов и одного consumer'а.
type DispatchQueue[T any] struct {
	mu         sync.Mutex
	items      []T
	capacity   int
	dropOldest bool
	notify     chan struct{} // сигнал consumer'у о появлении элемента
}

// NewDropOldest создает очередь с вытеснением старейшего элемента при переполнении
func NewDropOldest[T any](capacity int) *DispatchQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &DispatchQueue[T]{
		capacity:   capacity,
		dropOldest: true,
		notify:     make(chan struct{}, 1),
	}
}

// NewNoDrop создает control очередь: вставки никогда не теряются
func NewNoDrop[T any](capacity int) *DispatchQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &DispatchQueue[T]{
		capacity:   capacity,
		dropOldest: false,
		notify:     make(chan struct{}, 1),
	}
}

// Put вставляет элемент. Никогда не блокируется и не возвращает ошибку.
// Возвращает true если при этом был вытеснен старый элемент
func (q *DispatchQueue[T]) Put(v T) bool {
	q.mu.Lock()
	evicted := false
	if q.dropOldest && len(q.items) >= q.capacity {
		// evict-then-insert: старейший уходит, новый встает в хвост
		q.items = q.items[1:]
		evicted = true
		metrics.PromQueueEvictions.Inc()
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Take забирает старейший элемент, ожидая не дольше timeout.
// Возвращает false если очередь осталась пустой - consumer использует
// это окно для проверки флага завершения
func (q *DispatchQueue[T]) Take(timeout time.Duration) (T, bool) {
	var zero T

	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero // не держим ссылку на отданный элемент
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		q.mu.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return zero, false
		}

		timer := time.NewTimer(remain)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Len возвращает текущее количество элементов
func (q *DispatchQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear опустошает очередь (вызывается при остановке сессии)
func (q *DispatchQueue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
