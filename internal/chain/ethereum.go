package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// Backend is the subset of go-ethereum client methods the treasury reads.
// Both *ethclient.Client and the simulated backend satisfy it.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthereumClient implements BalanceReader, GasOracle and TxCounter for EVM
// compatible chains.
type EthereumClient struct {
	backend      Backend
	rpcClient    *gethrpc.Client
	eth          *ethclient.Client
	usdc         *common.Address
	usdcDecimals int
	erc20        abi.ABI
	mu           sync.Mutex
}

// NewEthereumClient dials cfg.RPCURL.
func NewEthereumClient(ctx context.Context, cfg Config) (*EthereumClient, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	client, err := NewEthereumClientFromBackend(eth, cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	client.eth = eth
	return client, nil
}

// NewEthereumClientFromBackend wraps an existing backend, such as the
// go-ethereum simulated backend in tests.
func NewEthereumClientFromBackend(backend Backend, cfg Config) (*EthereumClient, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}
	client := &EthereumClient{backend: backend, erc20: parsed, usdcDecimals: cfg.USDCDecimals}
	if client.usdcDecimals <= 0 {
		client.usdcDecimals = 6
	}
	if addr := strings.TrimSpace(cfg.USDCAddress); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("USDC 合约地址无效: %s", addr)
		}
		usdc := common.HexToAddress(addr)
		client.usdc = &usdc
	}
	return client, nil
}

// Close releases network connections held by the client.
func (c *EthereumClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// GetBalance implements BalanceReader.
func (c *EthereumClient) GetBalance(ctx context.Context, address string) (Balance, error) {
	account, err := parseAddress(address)
	if err != nil {
		return Balance{}, err
	}
	wei, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return Balance{}, fmt.Errorf("查询余额失败: %w", err)
	}
	balance := Balance{ETH: WeiToEther(wei)}
	if c.usdc == nil {
		return balance, nil
	}
	raw, err := c.tokenBalance(ctx, *c.usdc, account)
	if err != nil {
		return Balance{}, err
	}
	balance.USDC = TokenUnits(raw, c.usdcDecimals)
	return balance, nil
}

func (c *EthereumClient) tokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	input, err := c.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 调用失败: %w", err)
	}
	output, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	values, err := c.erc20.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("解析代币余额失败: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf 返回了 %d 个值", len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回了意外类型 %T", values[0])
	}
	return amount, nil
}

// GasPriceGwei implements GasOracle.
func (c *EthereumClient) GasPriceGwei(ctx context.Context) (float64, error) {
	wei, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	return WeiToGwei(wei), nil
}

// TransactionCount implements TxCounter using the confirmed nonce.
func (c *EthereumClient) TransactionCount(ctx context.Context, address string) (uint64, error) {
	account, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	nonce, err := c.backend.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

func parseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("地址格式无效: %q", address)
	}
	return common.HexToAddress(address), nil
}

var (
	_ BalanceReader = (*EthereumClient)(nil)
	_ GasOracle     = (*EthereumClient)(nil)
	_ TxCounter     = (*EthereumClient)(nil)
)
