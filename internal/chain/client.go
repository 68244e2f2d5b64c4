package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"go.uber.org/zap"
)

// Contract service surface used by the reconciliation pipeline
const (
	ServiceGaia      = "GaiaService"
	MethodMintTokens = "MintTokensToUser"
)

// Client submits commands and queries against the Gaia contract through a
// shared Session
type Client struct {
	session    *Session
	contractID types.Hash
	gasLimit   uint64
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient creates a contract client. contractID is the 0x-prefixed program
// id of the deployed contract.
func NewClient(session *Session, contractID string, gasLimit uint64, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	id, err := types.NewHashFromHexString(contractID)
	if err != nil {
		return nil, fmt.Errorf("parse contract id: %w", err)
	}

	return &Client{
		session:    session,
		contractID: id,
		gasLimit:   gasLimit,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// MintTokens issues a single MintTokensToUser command crediting amount
// tokens to the wallet
func (c *Client) MintTokens(ctx context.Context, wallet string, amount uint64) error {
	account, err := DecodeSS58(wallet)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	return c.Command(ctx, ServiceGaia, MethodMintTokens,
		types.NewH256(account[:]),
		types.NewU256(*new(big.Int).SetUint64(amount)),
	)
}

// Command encodes and submits a signed contract call and blocks until the
// transaction is included in a block
func (c *Client) Command(ctx context.Context, service, method string, args ...interface{}) error {
	payload, err := EncodeCall(service, method, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensure(); err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	call, err := types.NewCall(s.meta, "Gear.send_message",
		c.contractID,
		types.NewBytes(payload),
		types.NewU64(c.gasLimit),
		types.NewU128(*big.NewInt(0)),
		types.NewBool(true),
	)
	if err != nil {
		return fmt.Errorf("%w: build call: %v", ErrCommandFailed, err)
	}

	ext := types.NewExtrinsic(call)

	rv, err := s.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return fmt.Errorf("%w: runtime version: %v", ErrCommandFailed, err)
	}

	key, err := types.CreateStorageKey(s.meta, "System", "Account", s.keyring.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: account storage key: %v", ErrCommandFailed, err)
	}

	var accountInfo types.AccountInfo
	ok, err := s.api.RPC.State.GetStorageLatest(key, &accountInfo)
	if err != nil || !ok {
		return fmt.Errorf("%w: fetch account nonce: %v", ErrCommandFailed, err)
	}

	opts := types.SignatureOptions{
		BlockHash:          s.genesisHash,
		Era:                types.ExtrinsicEra{IsMortalEra: false},
		GenesisHash:        s.genesisHash,
		Nonce:              types.NewUCompactFromUInt(uint64(accountInfo.Nonce)),
		SpecVersion:        rv.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: rv.TransactionVersion,
	}

	if err := ext.Sign(s.keyring, opts); err != nil {
		return fmt.Errorf("%w: sign extrinsic: %v", ErrCommandFailed, err)
	}

	sub, err := s.api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return fmt.Errorf("%w: submit extrinsic: %v", ErrCommandFailed, err)
	}
	defer sub.Unsubscribe()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: timed out after %s waiting for inclusion", ErrCommandFailed, c.timeout)
		case err := <-sub.Err():
			return fmt.Errorf("%w: %v", ErrCommandFailed, err)
		case status := <-sub.Chan():
			switch {
			case status.IsInBlock, status.IsFinalized:
				c.logger.Debug("command included",
					zap.String("service", service),
					zap.String("method", method),
				)
				return nil
			case status.IsDropped, status.IsInvalid, status.IsUsurped:
				return fmt.Errorf("%w: extrinsic rejected by node", ErrCommandFailed)
			}
		}
	}
}

// replyInfo is the gear_calculateReplyForHandle RPC result
type replyInfo struct {
	Payload string `json:"payload"`
}

// Query runs a read-only contract call through the node's reply-calculation
// RPC. The route echo is stripped and the Ok result variant verified; the
// returned bytes are the result payload starting at the variant byte.
func (c *Client) Query(ctx context.Context, service, method string, args ...interface{}) ([]byte, error) {
	payload, err := EncodeCall(service, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensure(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	origin := codec.HexEncodeToString(s.keyring.PublicKey)
	destination := c.contractID.Hex()

	var reply replyInfo
	err = s.api.Client.Call(&reply, "gear_calculateReplyForHandle",
		origin,
		destination,
		codec.HexEncodeToString(payload),
		c.gasLimit,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrQueryFailed, service, method, err)
	}

	decoded, err := codec.HexDecodeString(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode reply payload: %v", ErrQueryFailed, err)
	}

	if err := ReplyOk(decoded); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrQueryFailed, service, method, err)
	}
	result, err := DecodeReply(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return result, nil
}
