// Package treasury 是代付流程的业务核心：把决策依次送过策略校验、钱包锁与
// 熔断器保护的链上执行，并在完成后更新预算、储备状态与缓存。
package treasury
