// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package channel 管理命名通信频道及其订阅者，是消息编排核心的寻址层。

# 概述

Manager 维护 name → channel 映射，每个频道持有一个有序订阅者集合。
订阅者列表采用写时复制，读取方（Broker 投递循环）拿到的是不可变快照，
不会与并发的订阅/退订互相干扰。

# 生命周期

  - RegisterChannel 显式创建，幂等
  - Subscribe 首次订阅时按需创建（Config.AutoCreate 关闭时返回 CHANNEL_NOT_FOUND）
  - Sweep 周期性回收：无订阅者、非 Persistent、且 BacklogFunc 报告无存量消息

# 选项

  - HighPriority：频道上所有消息走 high lane
  - Persistent：频道不参与 GC
*/
package channel
