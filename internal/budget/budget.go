// Package budget 管理各协议的代付预算。关系型存储是唯一可信来源，缓存只保存
// 带短 TTL 的写穿副本；余额只能通过 Ledger 的加锁写穿更新变动。
package budget

import (
	"context"
	"slices"
	"strings"
)

// Tier 表示协议的赞助等级。
type Tier string

const (
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// Valid 判断等级是否合法。
func (t Tier) Valid() bool {
	switch t {
	case TierBronze, TierSilver, TierGold:
		return true
	}
	return false
}

// ProtocolBudget 是单个协议的预算快照。
type ProtocolBudget struct {
	ProtocolID           string   `json:"protocolId"`
	BalanceUSD           float64  `json:"balanceUSD"`
	TotalSpent           float64  `json:"totalSpent"`
	Tier                 Tier     `json:"tier"`
	WhitelistedContracts []string `json:"whitelistedContracts,omitempty"`
	UpdatedAt            int64    `json:"updatedAt"`
}

// Clone 返回深拷贝。
func (b *ProtocolBudget) Clone() *ProtocolBudget {
	if b == nil {
		return nil
	}
	out := *b
	out.WhitelistedContracts = slices.Clone(b.WhitelistedContracts)
	return &out
}

// Whitelist 是协议允许代付的目标合约集合。
type Whitelist struct {
	ProtocolID string   `json:"protocolId"`
	Contracts  []string `json:"contracts"`
}

// Contains 以大小写不敏感的方式判断地址是否在白名单内。
func (w *Whitelist) Contains(address string) bool {
	if w == nil {
		return false
	}
	for _, c := range w.Contracts {
		if strings.EqualFold(c, address) {
			return true
		}
	}
	return false
}

// Store 抽象协议预算的持久化。Get 与 Whitelist 在记录不存在时返回 nil, nil。
type Store interface {
	Get(ctx context.Context, protocolID string) (*ProtocolBudget, error)
	Save(ctx context.Context, budget *ProtocolBudget) error
	Delete(ctx context.Context, protocolID string) error
	List(ctx context.Context) ([]ProtocolBudget, error)
	Whitelist(ctx context.Context, protocolID string) ([]string, error)
	SetWhitelist(ctx context.Context, protocolID string, contracts []string) error
}

func normalizeContracts(contracts []string) []string {
	out := make([]string, 0, len(contracts))
	seen := make(map[string]struct{}, len(contracts))
	for _, c := range contracts {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}
