// Package redis 提供基于 Redis 的链上引用索引，使多个广播副本共享
// (network, content hash) → ChainReference 的幂等记录。
package redis
