package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/web3"
	"ProofChain/pkg/logger"
)

const defaultPrefix = "proofchain:ref:"

// Config 描述索引使用的 Redis 连接。
type Config struct {
	Address     string        `json:"address"`
	Password    string        `json:"password"`
	DB          int           `json:"db"`
	Prefix      string        `json:"prefix"`
	DialTimeout time.Duration `json:"dial_timeout"`
}

// ReferenceIndex 实现 web3.ReferenceIndex。第一个写入者胜出，之后的 Save 不会覆盖。
type ReferenceIndex struct {
	client redis.UniversalClient
	prefix string
}

// NewReferenceIndex 连接 Redis 并确认可用。
func NewReferenceIndex(ctx context.Context, cfg Config) (*ReferenceIndex, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewReferenceIndexWithClient(client, cfg.Prefix), nil
}

// NewReferenceIndexWithClient 基于已有客户端构造索引。
func NewReferenceIndexWithClient(client redis.UniversalClient, prefix string) *ReferenceIndex {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &ReferenceIndex{client: client, prefix: prefix}
}

func (i *ReferenceIndex) key(network, contentHash string) string {
	return i.prefix + web3.IndexKey(network, contentHash)
}

// Lookup 实现 web3.ReferenceIndex。
func (i *ReferenceIndex) Lookup(ctx context.Context, network, contentHash string) (web3.ChainReference, bool, error) {
	raw, err := i.client.Get(ctx, i.key(network, contentHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return web3.ChainReference{}, false, nil
	}
	if err != nil {
		return web3.ChainReference{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询引用索引失败")
	}
	ref, err := decodeReference(raw)
	if err != nil {
		return web3.ChainReference{}, false, err
	}
	return ref, true, nil
}

// Save 实现 web3.ReferenceIndex。已存在不同引用时保留先写入的一条并记录告警日志。
func (i *ReferenceIndex) Save(ctx context.Context, network, contentHash string, ref web3.ChainReference) error {
	if ref.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "链上引用不能为空")
	}
	raw, err := json.Marshal(ref)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码链上引用失败")
	}
	key := i.key(network, contentHash)
	created, err := i.client.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入引用索引失败")
	}
	if created {
		return nil
	}
	existing, found, err := i.Lookup(ctx, network, contentHash)
	if err != nil {
		return err
	}
	if found && existing != ref {
		logger.L().Warn("同一哈希在该网络上已有不同的链上引用",
			slog.String("network", network),
			slog.String("content_hash", contentHash),
			slog.String("kept", existing.TxID),
			slog.String("discarded", ref.TxID),
		)
	}
	return nil
}

// Close 关闭底层客户端。
func (i *ReferenceIndex) Close() error {
	if i == nil || i.client == nil {
		return nil
	}
	return i.client.Close()
}

func decodeReference(raw []byte) (web3.ChainReference, error) {
	var ref web3.ChainReference
	if err := json.Unmarshal(raw, &ref); err != nil {
		return web3.ChainReference{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析引用索引失败")
	}
	if ref.IsZero() {
		return web3.ChainReference{}, xerrors.New(xerrors.CodeStorageFailure, "引用索引内容为空")
	}
	return ref, nil
}

var _ web3.ReferenceIndex = (*ReferenceIndex)(nil)
