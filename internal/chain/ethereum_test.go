package chain

import (
	"context"
	"math"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestEthereumClientSimulatedBackend(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	treasury := crypto.PubkeyToAddress(key.PublicKey)

	// 1.5 ETH
	funded, _ := new(big.Int).SetString("1500000000000000000", 10)
	alloc := core.GenesisAlloc{treasury: {Balance: funded}}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	t.Cleanup(func() { _ = backend.Close() })

	client, err := NewEthereumClientFromBackend(backend, Config{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	balance, err := client.GetBalance(ctx, treasury.Hex())
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if math.Abs(balance.ETH-1.5) > 1e-9 {
		t.Fatalf("unexpected eth balance %f", balance.ETH)
	}
	if balance.USDC != 0 {
		t.Fatalf("expected zero usdc without token configured, got %f", balance.USDC)
	}

	count, err := client.TransactionCount(ctx, treasury.Hex())
	if err != nil {
		t.Fatalf("tx count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected fresh account, got %d txs", count)
	}

	gwei, err := client.GasPriceGwei(ctx)
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}
	if gwei <= 0 {
		t.Fatalf("expected positive gas price, got %f", gwei)
	}

	if _, err := client.GetBalance(ctx, "not-an-address"); err == nil {
		t.Fatal("expected invalid address error")
	}
}

type tokenBackend struct {
	Backend
	raw *big.Int
}

func (b tokenBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (b tokenBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	return common.LeftPadBytes(b.raw.Bytes(), 32), nil
}

func TestEthereumClientUSDCBalance(t *testing.T) {
	client, err := NewEthereumClientFromBackend(tokenBackend{raw: big.NewInt(2_500_000)}, Config{
		USDCAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	balance, err := client.GetBalance(context.Background(), "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if math.Abs(balance.USDC-2.5) > 1e-9 {
		t.Fatalf("unexpected usdc balance %f", balance.USDC)
	}
}

func TestUnitConversions(t *testing.T) {
	if got := WeiToGwei(big.NewInt(1_500_000_000)); got != 1.5 {
		t.Fatalf("WeiToGwei = %f", got)
	}
	if got := WeiToEther(nil); got != 0 {
		t.Fatalf("WeiToEther(nil) = %f", got)
	}
}
