// Package mysql 提供基于 MySQL 的提交记录存储：连接池、内嵌迁移，
// 以及按前置状态做条件更新的 receipt.Store 实现。
package mysql
