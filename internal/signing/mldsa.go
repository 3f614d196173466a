package signing

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// This file isolates every direct call into circl's mldsa65 package so a
// future API shift only touches one place.

func mldsaGenerate() (*mldsa65.PublicKey, *mldsa65.PrivateKey, error) {
	pub, priv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ML-DSA-65 key: %w", err)
	}
	return pub, priv, nil
}

func mldsaFromSeed(seed [32]byte) (*mldsa65.PublicKey, *mldsa65.PrivateKey) {
	return mldsa65.NewKeyFromSeed(&seed)
}

func mldsaPackPublic(pub *mldsa65.PublicKey) []byte {
	var buf [mldsa65.PublicKeySize]byte
	pub.Pack(&buf)
	return buf[:]
}

func mldsaPackPrivate(priv *mldsa65.PrivateKey) []byte {
	var buf [mldsa65.PrivateKeySize]byte
	priv.Pack(&buf)
	return buf[:]
}

func mldsaPublicFromBytes(b []byte) (*mldsa65.PublicKey, error) {
	if len(b) != mldsa65.PublicKeySize {
		return nil, fmt.Errorf("invalid ML-DSA-65 public key length: got %d, want %d", len(b), mldsa65.PublicKeySize)
	}
	return mldsa65.PublicKeyFromBytes(b), nil
}

func mldsaPrivateFromBytes(b []byte) (*mldsa65.PrivateKey, error) {
	if len(b) != mldsa65.PrivateKeySize {
		return nil, fmt.Errorf("invalid ML-DSA-65 secret key length: got %d, want %d", len(b), mldsa65.PrivateKeySize)
	}
	return mldsa65.PrivateKeyFromBytes(b), nil
}

func mldsaPublicFromPrivate(priv *mldsa65.PrivateKey) *mldsa65.PublicKey {
	return priv.Public().(*mldsa65.PublicKey)
}

func mldsaSign(priv *mldsa65.PrivateKey, msg []byte) []byte {
	sig := make([]byte, mldsa65.SignatureSize)
	mldsa65.SignTo(priv, msg, sig)
	return sig
}

func mldsaVerify(pub *mldsa65.PublicKey, msg, sig []byte) bool {
	if len(sig) != mldsa65.SignatureSize {
		return false
	}
	return mldsa65.Verify(pub, msg, sig)
}
