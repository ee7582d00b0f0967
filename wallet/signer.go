package wallet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
)

var (
	ErrTransactionFailed   = errors.New("transaction failed on chain")
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
)

// SignRequest is a prepared transaction to sign on behalf of a wallet owner
type SignRequest struct {
	OwnerID             string
	WalletAddress       string
	Transaction         []byte
	WaitForConfirmation bool
}

// TransactionSender signs and broadcasts prepared transactions
type TransactionSender interface {
	SignAndSend(ctx context.Context, req SignRequest) (string, error)
}

// SignerConfig controls confirmation polling
type SignerConfig struct {
	ConfirmInterval time.Duration
	ConfirmAttempts int
}

// DefaultSignerConfig polls every 2s for up to a minute
func DefaultSignerConfig() SignerConfig {
	return SignerConfig{
		ConfirmInterval: 2 * time.Second,
		ConfirmAttempts: 30,
	}
}

// Signer signs prepared transactions with custodial keys and broadcasts them
type Signer struct {
	keys   KeyStore
	chain  ChainRPC
	config SignerConfig
	logger *logrus.Entry
}

// NewSigner creates a signer
func NewSigner(keys KeyStore, chain ChainRPC, config SignerConfig, logger *logrus.Logger) *Signer {
	if config.ConfirmAttempts < 1 {
		config.ConfirmAttempts = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Signer{
		keys:   keys,
		chain:  chain,
		config: config,
		logger: logger.WithField("component", "signer"),
	}
}

// SignAndSend refreshes the blockhash, signs for the owner and broadcasts.
// With WaitForConfirmation it blocks until the chain confirms or rejects the
// transaction, or the attempt budget runs out.
func (s *Signer) SignAndSend(ctx context.Context, req SignRequest) (string, error) {
	key, err := s.keys.SigningKey(ctx, req.OwnerID)
	if err != nil {
		return "", err
	}
	address := base58.Encode(key.Public().(ed25519.PublicKey))
	if address != req.WalletAddress {
		return "", fmt.Errorf("%w: key for owner %s controls %s, not %s", ErrWalletNotFound, req.OwnerID, address, req.WalletAddress)
	}

	tx, err := ParseTransaction(req.Transaction)
	if err != nil {
		return "", err
	}

	// The quote may have sat in the queue; never sign with its blockhash
	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	if err := tx.SetRecentBlockhash(blockhash); err != nil {
		return "", err
	}

	if _, err := tx.Sign(key); err != nil {
		return "", err
	}

	txID, err := s.chain.SendTransaction(ctx, tx.Serialize())
	if err != nil {
		return "", err
	}
	if txID == "" {
		txID = tx.ID()
	}

	log := s.logger.WithFields(logrus.Fields{
		"owner_id": req.OwnerID,
		"tx_id":    txID,
	})
	log.Info("Transaction broadcast")

	if !req.WaitForConfirmation {
		return txID, nil
	}
	if err := s.waitForConfirmation(ctx, txID); err != nil {
		log.WithError(err).Warn("Transaction not confirmed")
		return txID, err
	}
	log.Info("Transaction confirmed")
	return txID, nil
}

func (s *Signer) waitForConfirmation(ctx context.Context, txID string) error {
	var lastErr error
	for i := 0; i < s.config.ConfirmAttempts; i++ {
		if i > 0 {
			timer := time.NewTimer(s.config.ConfirmInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		status, err := s.chain.GetSignatureStatus(ctx, txID)
		if err != nil {
			lastErr = err
			continue
		}
		if status == nil {
			continue
		}
		if status.Failed() {
			return fmt.Errorf("%w: %s: %s", ErrTransactionFailed, txID, string(status.Err))
		}
		if status.Confirmed() {
			return nil
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %s after %d attempts (last error: %v)", ErrConfirmationTimeout, txID, s.config.ConfirmAttempts, lastErr)
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrConfirmationTimeout, txID, s.config.ConfirmAttempts)
}
