// Package workqueue 提供带关闭信号的 FIFO 工作队列
//
// 生产者从不阻塞；单个消费者按入队顺序依次取出。
// 设置了上限时，队列满则丢弃最旧的元素。
package workqueue

import (
	"container/list"
	"sync"
)

// Queue FIFO 工作队列
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *list.List
	limit  int
	closed bool

	dropped uint64
}

// New 创建队列，limit <= 0 表示不限长度
func New[T any](limit int) *Queue[T] {
	q := &Queue[T]{
		items: list.New(),
		limit: limit,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push 追加到队尾并唤醒一个等待者
// 关闭后返回 false；达到上限时丢弃队头，dropped 为 true
func (q *Queue[T]) Push(item T) (ok, dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, false
	}

	if q.limit > 0 && q.items.Len() >= q.limit {
		q.items.Remove(q.items.Front())
		q.dropped++
		dropped = true
	}

	q.items.PushBack(item)
	q.cond.Signal()
	return true, dropped
}

// Pop 阻塞直到有元素或队列已关闭
// 关闭后仍会先取完剩余元素，队列空且已关闭时返回 false
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.items.Len() == 0 {
		var zero T
		return zero, false
	}

	item := q.items.Remove(q.items.Front()).(T)
	return item, true
}

// Run 消费循环，直到 Shutdown 且队列取空
func (q *Queue[T]) Run(fn func(T)) {
	for {
		item, ok := q.Pop()
		if !ok {
			return
		}
		fn(item)
	}
}

// Shutdown 设置关闭信号并唤醒所有等待者
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len 返回当前排队数量
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Dropped 返回因达到上限被丢弃的数量
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Closed 返回是否已关闭
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
