// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package router 根据有序规则表决定出站消息的目标频道。

# 匹配

规则按注册顺序匹配，第一条命中的规则胜出；都不命中时使用默认规则，
没有默认规则则返回 UNROUTABLE_MESSAGE。TypePattern 与 RecipientPattern
使用 glob 语法，空模式匹配任意值。目标 "$recipient" 展开为消息的接收方，
DirectRule 即基于此实现直投。

# 投递

Send 对每个目标频道独立调用 Publisher.Publish。某个频道失败不会回滚
其他频道的投递，SendResult 分别列出成功与失败的频道。
*/
package router
