package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

// fakeChain records broadcasts and replays scripted signature statuses
type fakeChain struct {
	mu        sync.Mutex
	blockhash []byte
	sent      [][]byte
	statuses  []*SignatureStatus
	sendErr   error
	calls     map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blockhash: filled(0x42, blockhashLength),
		calls:     make(map[string]int),
	}
}

func (f *fakeChain) LatestBlockhash(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["LatestBlockhash"]++
	return f.blockhash, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SendTransaction"]++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, raw)
	tx, err := ParseTransaction(raw)
	if err != nil {
		return "", err
	}
	return tx.ID(), nil
}

func (f *fakeChain) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetSignatureStatus"]++
	if len(f.statuses) == 0 {
		return nil, nil
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return s, nil
}

type signerFixture struct {
	key    ed25519.PrivateKey
	chain  *fakeChain
	signer *Signer
	req    SignRequest
}

func newSignerFixture(t *testing.T) *signerFixture {
	t.Helper()
	key := newKey(t)
	keys := NewStaticKeyStore()
	keys.Add("follower-1", key)
	chain := newFakeChain()

	signer := NewSigner(keys, chain, SignerConfig{
		ConfirmInterval: time.Millisecond,
		ConfirmAttempts: 3,
	}, nil)

	pub := key.Public().(ed25519.PublicKey)
	return &signerFixture{
		key:    key,
		chain:  chain,
		signer: signer,
		req: SignRequest{
			OwnerID:       "follower-1",
			WalletAddress: base58.Encode(pub),
			Transaction:   buildTransaction([]ed25519.PublicKey{pub}, 2, filled(0x01, blockhashLength), true),
		},
	}
}

func TestSigner_SignAndSend(t *testing.T) {
	f := newSignerFixture(t)

	txID, err := f.signer.SignAndSend(context.Background(), f.req)
	if err != nil {
		t.Fatalf("SignAndSend: %v", err)
	}
	if len(f.chain.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(f.chain.sent))
	}

	sent, err := ParseTransaction(f.chain.sent[0])
	if err != nil {
		t.Fatalf("parse sent: %v", err)
	}
	if sent.RecentBlockhash() != base58.Encode(f.chain.blockhash) {
		t.Errorf("blockhash = %s, want refreshed hash", sent.RecentBlockhash())
	}
	if !ed25519.Verify(f.key.Public().(ed25519.PublicKey), sent.message, sent.signatures[0]) {
		t.Error("signature does not verify")
	}
	if txID != sent.ID() {
		t.Errorf("txID = %s, want %s", txID, sent.ID())
	}
	if f.chain.calls["GetSignatureStatus"] != 0 {
		t.Error("should not poll without WaitForConfirmation")
	}
}

func TestSigner_WalletMismatch(t *testing.T) {
	f := newSignerFixture(t)
	f.req.WalletAddress = base58.Encode(newKey(t).Public().(ed25519.PublicKey))

	_, err := f.signer.SignAndSend(context.Background(), f.req)
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("err = %v, want ErrWalletNotFound", err)
	}
	if f.chain.calls["SendTransaction"] != 0 {
		t.Error("nothing should be broadcast")
	}
}

func TestSigner_UnknownOwner(t *testing.T) {
	f := newSignerFixture(t)
	f.req.OwnerID = "someone-else"

	if _, err := f.signer.SignAndSend(context.Background(), f.req); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("err = %v, want ErrWalletNotFound", err)
	}
}

func TestSigner_BroadcastError(t *testing.T) {
	f := newSignerFixture(t)
	f.chain.sendErr = errors.New("node is behind")

	if _, err := f.signer.SignAndSend(context.Background(), f.req); err == nil {
		t.Fatal("expected error")
	}
}

func TestSigner_WaitForConfirmation(t *testing.T) {
	confirmed := &SignatureStatus{ConfirmationStatus: "confirmed", Err: json.RawMessage("null")}
	processed := &SignatureStatus{ConfirmationStatus: "processed"}
	failed := &SignatureStatus{ConfirmationStatus: "confirmed", Err: json.RawMessage(`{"InstructionError":[0,"Custom"]}`)}

	tests := []struct {
		name      string
		statuses  []*SignatureStatus
		wantErr   error
		wantPolls int
	}{
		{"confirmed after unknown", []*SignatureStatus{nil, processed, confirmed}, nil, 3},
		{"failed on chain", []*SignatureStatus{failed}, ErrTransactionFailed, 1},
		{"timeout", []*SignatureStatus{processed}, ErrConfirmationTimeout, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSignerFixture(t)
			f.chain.statuses = tt.statuses
			f.req.WaitForConfirmation = true

			txID, err := f.signer.SignAndSend(context.Background(), f.req)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if txID == "" {
				t.Error("txID should be returned even when confirmation fails")
			}
			if got := f.chain.calls["GetSignatureStatus"]; got != tt.wantPolls {
				t.Errorf("polls = %d, want %d", got, tt.wantPolls)
			}
		})
	}
}
