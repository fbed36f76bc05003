// Package sponsorship 管理异步代付请求的生命周期：入队、领取、重试、拒绝、
// 过期回收与统计。请求以 ID 为键持久化在关系库中，消息队列只传递请求 ID。
package sponsorship
