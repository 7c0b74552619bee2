package receipt

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/tier"
	"ProofChain/internal/web3"
)

// Job 是投递给广播器的消息。Data 为已经过分级处理的链上字节。
type Job struct {
	RecordID string              `json:"record_id"`
	Chain    web3.ChainCandidate `json:"chain"`
	Data     []byte              `json:"data"`
	Tier     tier.Tier           `json:"tier"`
	HashOnly bool                `json:"hash_only,omitempty"`
}

// EncodeJob 将任务编码为队列消息。
func EncodeJob(job Job) ([]byte, error) {
	if strings.TrimSpace(job.RecordID) == "" {
		return nil, xerrors.New(CodeInvalidJob, "广播任务缺少记录 ID")
	}
	return json.Marshal(job)
}

// DecodeJob 解析队列消息。
func DecodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, xerrors.Wrap(CodeInvalidJob, err, "解析广播任务失败")
	}
	if strings.TrimSpace(job.RecordID) == "" {
		return Job{}, xerrors.New(CodeInvalidJob, "广播任务缺少记录 ID")
	}
	if !job.Tier.Valid() {
		return Job{}, xerrors.New(CodeInvalidJob, "广播任务分级无效")
	}
	return job, nil
}

// Handler 处理来自消息队列的广播任务。返回错误表示需要重新投递。
type Handler func(ctx context.Context, job Job) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
