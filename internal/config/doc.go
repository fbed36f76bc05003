// Package config 负责加载 Aegis Treasury 的启动配置：先读取 YAML 文件，
// 再用 TREASURY_ 前缀的环境变量覆盖，最后统一校验。
package config
