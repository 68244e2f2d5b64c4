package chain

import (
	"errors"
	"fmt"
	"sync"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"go.uber.org/zap"
)

var (
	// ErrMissingMnemonic is returned when no signing mnemonic is configured
	ErrMissingMnemonic = errors.New("MNEMONIC is not configured")
	// ErrCommandFailed marks a failed signed contract command
	ErrCommandFailed = errors.New("chain command failed")
	// ErrQueryFailed marks a failed read-only contract query
	ErrQueryFailed = errors.New("chain query failed")
)

// Vara's registered SS58 network prefix
const varaSS58Prefix = 137

// Session owns the process-wide node connection and signing keypair.
// Lifecycle is connect once, reuse until the connection is observed
// unhealthy, then reconnect on next use. All access goes through the mutex;
// commands are serialized anyway to keep nonces ordered.
type Session struct {
	mu       sync.Mutex
	nodeURL  string
	mnemonic string
	logger   *zap.Logger

	api         *gsrpc.SubstrateAPI
	meta        *types.Metadata
	genesisHash types.Hash
	keyring     signature.KeyringPair
	keyringSet  bool
}

// NewSession creates an unconnected session; the first command or query
// dials the node
func NewSession(nodeURL, mnemonic string, logger *zap.Logger) *Session {
	return &Session{
		nodeURL:  nodeURL,
		mnemonic: mnemonic,
		logger:   logger,
	}
}

// ensure makes the session usable: keypair loaded, connection live.
// Callers must hold s.mu.
func (s *Session) ensure() error {
	if !s.keyringSet {
		if s.mnemonic == "" {
			return ErrMissingMnemonic
		}
		kp, err := signature.KeyringPairFromSecret(s.mnemonic, varaSS58Prefix)
		if err != nil {
			return fmt.Errorf("load keypair from mnemonic: %w", err)
		}
		s.keyring = kp
		s.keyringSet = true
	}

	if s.api != nil {
		if _, err := s.api.RPC.System.Health(); err == nil {
			return nil
		}
		s.logger.Warn("vara connection unhealthy, reconnecting", zap.String("node", s.nodeURL))
		s.api = nil
	}

	api, err := gsrpc.NewSubstrateAPI(s.nodeURL)
	if err != nil {
		return fmt.Errorf("connect to vara node %s: %w", s.nodeURL, err)
	}

	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return fmt.Errorf("fetch chain metadata: %w", err)
	}

	genesisHash, err := api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		return fmt.Errorf("fetch genesis hash: %w", err)
	}

	s.api = api
	s.meta = meta
	s.genesisHash = genesisHash
	s.logger.Info("connected to vara node", zap.String("node", s.nodeURL))

	return nil
}
