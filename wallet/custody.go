package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrWalletNotFound means no signing key exists for the owner, or the key does
// not control the expected wallet. It is permanent.
var ErrWalletNotFound = errors.New("wallet not found")

// KeyStore resolves the custodial signing key of a wallet owner
type KeyStore interface {
	SigningKey(ctx context.Context, ownerID string) (ed25519.PrivateKey, error)
}

// DecodePrivateKey accepts a base58 64-byte keypair, a base58 32-byte seed, or a
// JSON byte array as written by solana-keygen
func DecodePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)

	var raw []byte
	if strings.HasPrefix(encoded, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(encoded), &ints); err != nil {
			return nil, fmt.Errorf("decode key array: %w", err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("decode key array: byte %d out of range", i)
			}
			raw[i] = byte(v)
		}
	} else {
		var err error
		if raw, err = base58.Decode(encoded); err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
	}

	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("decode key: unexpected length %d", len(raw))
	}
}

// StaticKeyStore holds keys in memory. Used for development and tests.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewStaticKeyStore creates an empty key store
func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{keys: make(map[string]ed25519.PrivateKey)}
}

// ParseStaticKeys builds a key store from ownerID -> encoded key pairs
func ParseStaticKeys(encoded map[string]string) (*StaticKeyStore, error) {
	s := NewStaticKeyStore()
	for ownerID, value := range encoded {
		key, err := DecodePrivateKey(value)
		if err != nil {
			return nil, fmt.Errorf("static key for %s: %w", ownerID, err)
		}
		s.Add(ownerID, key)
	}
	return s, nil
}

// Add registers a key for an owner
func (s *StaticKeyStore) Add(ownerID string, key ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[ownerID] = key
}

func (s *StaticKeyStore) SigningKey(ctx context.Context, ownerID string) (ed25519.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[ownerID]
	if !ok {
		return nil, fmt.Errorf("%w: no key for owner %s", ErrWalletNotFound, ownerID)
	}
	return key, nil
}

// SecretManagerKeyStore reads custodial keys from Google Secret Manager.
// The secret for an owner is named <prefix><ownerID>.
type SecretManagerKeyStore struct {
	client    *secretmanager.Client
	projectID string
	prefix    string
	logger    *logrus.Entry
}

// NewSecretManagerKeyStore creates a Secret Manager backed key store.
// credentialsFile may be empty to use application default credentials.
func NewSecretManagerKeyStore(ctx context.Context, projectID, prefix, credentialsFile string, logger *logrus.Logger) (*SecretManagerKeyStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &SecretManagerKeyStore{
		client:    client,
		projectID: projectID,
		prefix:    prefix,
		logger:    logger.WithField("component", "custody"),
	}, nil
}

func (s *SecretManagerKeyStore) secretName(ownerID string) string {
	return fmt.Sprintf("projects/%s/secrets/%s%s/versions/latest", s.projectID, s.prefix, ownerID)
}

func (s *SecretManagerKeyStore) SigningKey(ctx context.Context, ownerID string) (ed25519.PrivateKey, error) {
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secretName(ownerID),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: no secret for owner %s", ErrWalletNotFound, ownerID)
		}
		return nil, fmt.Errorf("failed to access signing key for %s: %w", ownerID, err)
	}

	key, err := DecodePrivateKey(string(result.Payload.Data))
	if err != nil {
		s.logger.WithError(err).WithField("owner_id", ownerID).Error("Stored signing key is unreadable")
		return nil, fmt.Errorf("%w: %v", ErrWalletNotFound, err)
	}
	return key, nil
}

func (s *SecretManagerKeyStore) Close() error {
	return s.client.Close()
}
