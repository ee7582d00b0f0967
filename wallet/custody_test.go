package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
)

func TestDecodePrivateKey(t *testing.T) {
	key := newKey(t)

	ints := make([]string, len(key))
	for i, b := range key {
		ints[i] = fmt.Sprint(b)
	}

	tests := []struct {
		name    string
		encoded string
	}{
		{"base58 keypair", base58.Encode(key)},
		{"base58 seed", base58.Encode(key.Seed())},
		{"json array", "[" + strings.Join(ints, ",") + "]"},
		{"surrounding whitespace", "  " + base58.Encode(key) + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePrivateKey(tt.encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !got.Equal(key) {
				t.Error("decoded key differs")
			}
		})
	}

	for _, bad := range []string{"", "0OIl", base58.Encode([]byte{1, 2, 3}), "[1,2,300]"} {
		if _, err := DecodePrivateKey(bad); err == nil {
			t.Errorf("DecodePrivateKey(%q) expected error", bad)
		}
	}
}

func TestStaticKeyStore(t *testing.T) {
	key := newKey(t)
	store, err := ParseStaticKeys(map[string]string{"follower-1": base58.Encode(key)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got, err := store.SigningKey(context.Background(), "follower-1")
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	if !got.Equal(key) {
		t.Error("wrong key returned")
	}

	if _, err := store.SigningKey(context.Background(), "follower-2"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("err = %v, want ErrWalletNotFound", err)
	}

	if _, err := ParseStaticKeys(map[string]string{"x": "not-a-key"}); err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestSecretManagerKeyStore_SecretName(t *testing.T) {
	s := &SecretManagerKeyStore{projectID: "hunch-prod", prefix: "wallet-key-"}
	want := "projects/hunch-prod/secrets/wallet-key-user_123/versions/latest"
	if got := s.secretName("user_123"); got != want {
		t.Errorf("secretName = %s, want %s", got, want)
	}
}
