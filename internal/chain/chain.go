// Package chain holds the on-chain collaborators the treasury consumes:
// balance reads, gas price, requester transaction history and the ERC-4337
// bundler used to submit sponsored UserOperations.
package chain

import (
	"context"
	"math/big"
	"time"
)

// Balance is a wallet's holdings in whole units.
type Balance struct {
	ETH  float64 `json:"eth"`
	USDC float64 `json:"usdc"`
}

// BalanceReader reads wallet balances.
type BalanceReader interface {
	GetBalance(ctx context.Context, address string) (Balance, error)
}

// GasOracle reports the current gas price.
type GasOracle interface {
	GasPriceGwei(ctx context.Context) (float64, error)
}

// TxCounter reports how many transactions an address has sent.
type TxCounter interface {
	TransactionCount(ctx context.Context, address string) (uint64, error)
}

// UserOperation is a sponsored ERC-4337 operation.
type UserOperation struct {
	Sender               string
	Nonce                uint64
	CallData             []byte
	CallGasLimit         uint64
	VerificationGasLimit uint64
	PreVerificationGas   uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// GasEstimate is the bundler's gas quote for an operation.
type GasEstimate struct {
	CallGasLimit         uint64
	VerificationGasLimit uint64
	PreVerificationGas   uint64
}

// Total sums every gas component.
func (g GasEstimate) Total() uint64 {
	return g.CallGasLimit + g.VerificationGasLimit + g.PreVerificationGas
}

// Receipt is the mined result of a UserOperation.
type Receipt struct {
	UserOpHash       string
	TxHash           string
	Success          bool
	GasUsed          uint64
	ActualGasCostWei *big.Int
}

// CostETH returns the paid gas in ETH.
func (r Receipt) CostETH() float64 {
	return WeiToEther(r.ActualGasCostWei)
}

// Bundler submits UserOperations.
type Bundler interface {
	EstimateGas(ctx context.Context, op UserOperation) (GasEstimate, error)
	SubmitUserOperation(ctx context.Context, op UserOperation) (string, error)
	WaitForReceipt(ctx context.Context, userOpHash string, timeout time.Duration) (Receipt, error)
}

// Config describes the chain endpoints.
type Config struct {
	RPCURL          string        `yaml:"rpc_url" env:"RPC_URL"`
	BundlerURL      string        `yaml:"bundler_url" env:"BUNDLER_URL"`
	EntryPoint      string        `yaml:"entry_point" env:"ENTRY_POINT"`
	ChainID         int64         `yaml:"chain_id" env:"CHAIN_ID"`
	USDCAddress     string        `yaml:"usdc_address" env:"USDC_ADDRESS"`
	USDCDecimals    int           `yaml:"usdc_decimals" env:"USDC_DECIMALS"`
	TreasuryAddress string        `yaml:"treasury_address" env:"TREASURY_ADDRESS"`
	ETHPriceUSD     float64       `yaml:"eth_price_usd" env:"ETH_PRICE_USD"`
	ReceiptPoll     time.Duration `yaml:"receipt_poll" env:"RECEIPT_POLL"`
	ReceiptTimeout  time.Duration `yaml:"receipt_timeout" env:"RECEIPT_TIMEOUT"`
}

var (
	weiPerEther = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	weiPerGwei  = new(big.Float).SetInt(big.NewInt(1_000_000_000))
)

// WeiToEther converts wei to ETH. A nil amount is zero.
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther).Float64()
	return f
}

// WeiToGwei converts wei to gwei.
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerGwei).Float64()
	return f
}

// TokenUnits converts a raw ERC-20 amount with decimals to whole units.
func TokenUnits(raw *big.Int, decimals int) float64 {
	if raw == nil {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), scale).Float64()
	return f
}

// GweiToWei converts a gwei price to wei, truncating sub-wei fractions.
func GweiToWei(gwei float64) *big.Int {
	if gwei <= 0 {
		return new(big.Int)
	}
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), weiPerGwei).Int(nil)
	return wei
}
