// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 state 在共享存储之上提供带版本的键值状态，支持乐观写入、
多键事务、变更订阅、周期快照与重启恢复。

# 概述

每个键保存为一个 Entry（值、单调版本号、更新时间、更新者）。
写入必须携带读取到的版本，版本不符时返回 STALE_WRITE，
绝不静默覆盖。跨进程修改只通过 Set 的比较交换或 Transaction 完成。

# 核心类型

  - Manager：Get / Set / Delete / Keys / List，订阅与快照入口
  - Tx：事务内的读写视图，只允许访问加锁的键集合
  - Change：一次已提交的写入，写入变更日志并作为事件数据
  - Snapshot / SnapshotStore：不可变的时间点副本及其存储
  - StoreSnapshots / SQLSnapshots：共享存储与 GORM 两种快照后端

# 事务

Transaction 按排序后的键依次获取带 TTL 的锁（SetNX + 令牌），
在 LockWait 内拿不到锁返回 LOCK_TIMEOUT。提交是一次多键
比较交换，同时校验锁仍归本事务所有；锁已丢失返回 LOCK_TIMEOUT，
键被并发修改返回 STALE_WRITE。两者都可整体重试。

# 恢复

Rehydrate 读取最新快照，再按序重放序号大于快照 LogSeq 的变更日志，
仅当存储中的版本缺失或更旧时才写回。
*/
package state
