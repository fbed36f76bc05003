package migrations

import "embed"

// Files 暴露代付队列、协议预算与支付记录的 SQL 迁移文件，文件名前缀即版本号。
//
//go:embed *.sql
var Files embed.FS
