// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理状态快照表（state_snapshots）的 Schema 迁移，
支持 PostgreSQL、MySQL 与 SQLite 三种数据库，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌各数据库方言的 SQL 迁移文件，结合
golang-migrate 引擎实现版本化的 Schema 变更管理。支持正向迁移、
回滚、按步执行、跳转到指定版本以及强制设置版本号等操作。

# 核心接口与类型

  - Migrator：迁移器接口，定义 Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 等完整操作集。
  - DefaultMigrator：Migrator 的默认实现，封装 golang-migrate 实例
    与数据库连接管理。
  - Config：迁移配置，包含数据库类型、连接 URL、迁移表名与锁超时。
  - DatabaseType：数据库类型枚举（postgres/mysql/sqlite）。
  - MigrationStatus / MigrationInfo：迁移状态与摘要信息。
  - CLI：命令行交互层，封装 Migrator 提供格式化输出。

# 主要能力

  - 多数据库支持：通过 DatabaseType 与内嵌 SQL 文件自动适配方言。
  - 工厂函数：NewMigratorFromDatabaseConfig / NewMigratorFromURL
    从数据库配置或连接 URL 创建迁移器，自动适配 GORM DSN。
  - CLI 集成：CLI.Run 解析 fuse migrate 子命令，RunUp/RunDown/
    RunStatus/RunInfo 等提供面向终端的格式化输出。
  - 取消：迁移执行期间 ctx 结束时请求 golang-migrate 优雅停止。
  - 辅助工具：ParseDatabaseType 解析类型字符串，BuildDatabaseURL
    按方言拼接连接 URL。
*/
package migration
