package chain

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const testEntryPoint = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"

type fakeBundler struct {
	polls    atomic.Int32
	readyAt  int32
	lastSent rpcUserOperation
}

func (f *fakeBundler) EstimateUserOperationGas(op rpcUserOperation, entryPoint common.Address) (*rpcGasEstimate, error) {
	if entryPoint != common.HexToAddress(testEntryPoint) {
		return nil, errors.New("unknown entry point")
	}
	return &rpcGasEstimate{CallGasLimit: 50_000, VerificationGasLimit: 80_000, PreVerificationGas: 21_000}, nil
}

func (f *fakeBundler) SendUserOperation(op rpcUserOperation, _ common.Address) (common.Hash, error) {
	f.lastSent = op
	return common.HexToHash("0xabc1"), nil
}

func (f *fakeBundler) GetUserOperationReceipt(hash common.Hash) (*rpcUserOpReceipt, error) {
	if f.polls.Add(1) < f.readyAt {
		return nil, nil
	}
	return &rpcUserOpReceipt{
		UserOpHash:    hash,
		Success:       true,
		ActualGasCost: hexutil.Big(*big.NewInt(20_000_000_000_000)),
		ActualGasUsed: 120_000,
		Receipt:       rpcTxReceipt{TransactionHash: common.HexToHash("0xdef2")},
	}, nil
}

func newTestBundler(t *testing.T, svc *fakeBundler) *BundlerClient {
	t.Helper()
	server := gethrpc.NewServer()
	if err := server.RegisterName("eth", svc); err != nil {
		t.Fatalf("register service: %v", err)
	}
	t.Cleanup(server.Stop)
	client := NewBundlerClientFromRPC(gethrpc.DialInProc(server), testEntryPoint, 5*time.Millisecond)
	t.Cleanup(client.Close)
	return client
}

func TestBundlerClientRoundTrip(t *testing.T) {
	svc := &fakeBundler{readyAt: 3}
	client := newTestBundler(t, svc)
	ctx := context.Background()

	op := UserOperation{
		Sender:       "0x1111111111111111111111111111111111111111",
		Nonce:        7,
		CallData:     []byte{0xde, 0xad},
		MaxFeePerGas: big.NewInt(1_000_000),
	}
	est, err := client.EstimateGas(ctx, op)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.Total() != 151_000 {
		t.Fatalf("unexpected estimate %+v", est)
	}

	hash, err := client.SubmitUserOperation(ctx, op)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if hash != common.HexToHash("0xabc1").Hex() {
		t.Fatalf("unexpected hash %s", hash)
	}
	if svc.lastSent.Nonce.ToInt().Uint64() != 7 {
		t.Fatalf("nonce not forwarded: %v", svc.lastSent.Nonce.ToInt())
	}

	receipt, err := client.WaitForReceipt(ctx, hash, time.Second)
	if err != nil {
		t.Fatalf("wait receipt: %v", err)
	}
	if !receipt.Success || receipt.GasUsed != 120_000 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if got := receipt.CostETH(); math.Abs(got-0.00002) > 1e-12 {
		t.Fatalf("unexpected cost %f", got)
	}
}

func TestBundlerClientReceiptTimeout(t *testing.T) {
	client := newTestBundler(t, &fakeBundler{readyAt: 1 << 30})
	_, err := client.WaitForReceipt(context.Background(), "0xabc1", 30*time.Millisecond)
	if !errors.Is(err, ErrReceiptTimeout) {
		t.Fatalf("expected receipt timeout, got %v", err)
	}
}
