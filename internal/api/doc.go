// Package api 通过 HTTP 暴露代付请求的提交、查询与取消，协议充值，
// 资格预检以及 Prometheus 指标。
package api
