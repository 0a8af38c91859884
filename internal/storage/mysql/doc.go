// Package mysql 提供 MySQL 连接池与内嵌迁移脚本的执行，游标与回执存储共用。
package mysql
