package node

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the secp256k1 key that authorizes order and cancel messages.
type Signer struct {
	privKey *ecdsa.PrivateKey
	pubKey  []byte
}

func NewSigner(hexKey string) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &Signer{privKey: key, pubKey: crypto.CompressPubkey(&key.PublicKey)}, nil
}

func (s *Signer) PubKey() []byte {
	return append([]byte(nil), s.pubKey...)
}

func (s *Signer) PubKeyHex() string {
	return hexutil.Encode(s.pubKey)
}

// Sign returns the 64-byte r||s signature over keccak256(payload).
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("payload is required")
	}
	sig, err := crypto.Sign(crypto.Keccak256(payload), s.privKey)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	return sig[:64], nil
}

// Verify checks a signature produced by Sign against a compressed public key.
func Verify(pubKey, payload, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	return crypto.VerifySignature(pubKey, crypto.Keccak256(payload), sig)
}

// SignTx signs payload and wraps it into a broadcastable envelope.
func (s *Signer) SignTx(payload []byte) ([]byte, error) {
	sig, err := s.Sign(payload)
	if err != nil {
		return nil, err
	}
	return EncodeTx(payload, s.pubKey, sig)
}
