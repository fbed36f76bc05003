package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// ErrReceiptTimeout reports that no receipt appeared before the deadline.
var ErrReceiptTimeout = errors.New("等待 UserOperation 回执超时")

// rpcUserOperation is the JSON-RPC shape of an ERC-4337 v0.6 UserOperation.
type rpcUserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                hexutil.Big    `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         hexutil.Uint64 `json:"callGasLimit"`
	VerificationGasLimit hexutil.Uint64 `json:"verificationGasLimit"`
	PreVerificationGas   hexutil.Uint64 `json:"preVerificationGas"`
	MaxFeePerGas         hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas hexutil.Big    `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

type rpcGasEstimate struct {
	CallGasLimit         hexutil.Uint64 `json:"callGasLimit"`
	VerificationGasLimit hexutil.Uint64 `json:"verificationGasLimit"`
	PreVerificationGas   hexutil.Uint64 `json:"preVerificationGas"`
}

type rpcTxReceipt struct {
	TransactionHash common.Hash `json:"transactionHash"`
}

type rpcUserOpReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Success       bool           `json:"success"`
	ActualGasCost hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed hexutil.Uint64 `json:"actualGasUsed"`
	Receipt       rpcTxReceipt   `json:"receipt"`
}

// BundlerClient talks to an ERC-4337 bundler over JSON-RPC.
type BundlerClient struct {
	rpc        *gethrpc.Client
	entryPoint common.Address
	poll       time.Duration
}

// NewBundlerClient dials the bundler endpoint in cfg.
func NewBundlerClient(ctx context.Context, cfg Config) (*BundlerClient, error) {
	url := strings.TrimSpace(cfg.BundlerURL)
	if url == "" {
		return nil, errors.New("未配置 bundler 地址")
	}
	if !common.IsHexAddress(cfg.EntryPoint) {
		return nil, fmt.Errorf("EntryPoint 地址无效: %q", cfg.EntryPoint)
	}
	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接 bundler 失败: %w", err)
	}
	return NewBundlerClientFromRPC(rpcClient, cfg.EntryPoint, cfg.ReceiptPoll), nil
}

// NewBundlerClientFromRPC wraps an existing RPC client.
func NewBundlerClientFromRPC(client *gethrpc.Client, entryPoint string, poll time.Duration) *BundlerClient {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &BundlerClient{rpc: client, entryPoint: common.HexToAddress(entryPoint), poll: poll}
}

// Close releases the RPC connection.
func (b *BundlerClient) Close() {
	if b.rpc != nil {
		b.rpc.Close()
	}
}

func toRPC(op UserOperation) rpcUserOperation {
	out := rpcUserOperation{
		Sender:               common.HexToAddress(op.Sender),
		Nonce:                hexutil.Big(*new(big.Int).SetUint64(op.Nonce)),
		CallData:             op.CallData,
		CallGasLimit:         hexutil.Uint64(op.CallGasLimit),
		VerificationGasLimit: hexutil.Uint64(op.VerificationGasLimit),
		PreVerificationGas:   hexutil.Uint64(op.PreVerificationGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
	if op.MaxFeePerGas != nil {
		out.MaxFeePerGas = hexutil.Big(*op.MaxFeePerGas)
	}
	if op.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas = hexutil.Big(*op.MaxPriorityFeePerGas)
	}
	return out
}

// EstimateGas implements Bundler.
func (b *BundlerClient) EstimateGas(ctx context.Context, op UserOperation) (GasEstimate, error) {
	var est rpcGasEstimate
	if err := b.rpc.CallContext(ctx, &est, "eth_estimateUserOperationGas", toRPC(op), b.entryPoint); err != nil {
		return GasEstimate{}, fmt.Errorf("估算 UserOperation gas 失败: %w", err)
	}
	return GasEstimate{
		CallGasLimit:         uint64(est.CallGasLimit),
		VerificationGasLimit: uint64(est.VerificationGasLimit),
		PreVerificationGas:   uint64(est.PreVerificationGas),
	}, nil
}

// SubmitUserOperation implements Bundler.
func (b *BundlerClient) SubmitUserOperation(ctx context.Context, op UserOperation) (string, error) {
	var hash common.Hash
	if err := b.rpc.CallContext(ctx, &hash, "eth_sendUserOperation", toRPC(op), b.entryPoint); err != nil {
		return "", fmt.Errorf("提交 UserOperation 失败: %w", err)
	}
	return hash.Hex(), nil
}

// WaitForReceipt implements Bundler by polling eth_getUserOperationReceipt.
func (b *BundlerClient) WaitForReceipt(ctx context.Context, userOpHash string, timeout time.Duration) (Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		var receipt *rpcUserOpReceipt
		if err := b.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", common.HexToHash(userOpHash)); err != nil {
			if ctx.Err() != nil {
				return Receipt{}, fmt.Errorf("%w: %s", ErrReceiptTimeout, userOpHash)
			}
			return Receipt{}, fmt.Errorf("查询 UserOperation 回执失败: %w", err)
		}
		if receipt != nil {
			cost := big.Int(receipt.ActualGasCost)
			return Receipt{
				UserOpHash:       receipt.UserOpHash.Hex(),
				TxHash:           receipt.Receipt.TransactionHash.Hex(),
				Success:          receipt.Success,
				GasUsed:          uint64(receipt.ActualGasUsed),
				ActualGasCostWei: &cost,
			}, nil
		}

		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %s", ErrReceiptTimeout, userOpHash)
		case <-ticker.C:
		}
	}
}

var _ Bundler = (*BundlerClient)(nil)
