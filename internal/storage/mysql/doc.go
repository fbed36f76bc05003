// Package mysql 提供 MySQL 连接池、嵌入式 schema 迁移以及各业务存储共享的错误判定。
// 代付请求、协议预算和支付记录的具体存储实现位于各自的业务包中。
package mysql
