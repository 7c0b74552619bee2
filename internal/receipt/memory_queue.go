package receipt

import (
	"context"
	"strconv"
	"sync"

	xerrors "ProofChain/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，用于测试与单机部署。
type MemoryQueue struct {
	ch     chan []byte
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan []byte, size)}
}

// Publish 将任务投递到队列。消息以 JSON 形式保存，与外部队列保持同一编码。
// 队列已满时立即返回可重试的 QUEUE_FAILURE，不阻塞提交路径。
func (q *MemoryQueue) Publish(ctx context.Context, job Job) error {
	body, err := EncodeJob(job)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case q.ch <- body:
		return nil
	default:
		return xerrors.New(xerrors.CodeQueueFailure, "广播队列已满",
			xerrors.WithMetadata("capacity", strconv.Itoa(cap(q.ch))))
	}
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case body, ok := <-q.ch:
					if !ok {
						return
					}
					job, err := DecodeJob(body)
					if err != nil {
						continue
					}
					if err := handler(ctx, job); err != nil && ctx.Err() == nil {
						q.requeue(body)
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// requeue 将处理失败的消息放回队尾，队列已满或已关闭时丢弃。
func (q *MemoryQueue) requeue(body []byte) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- body:
	default:
	}
}

// Len 返回队列中尚未消费的消息数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
