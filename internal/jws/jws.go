// Package jws produces the canonical three-field flattened JWS
// (protected, payload, signature) §4.6 requires for signature
// operations: ES256 over the secp256k1 curve, a combination the
// golang-jwt library doesn't expose directly since its built-in ES256
// assumes NIST P-256. This package reuses golang-jwt's base64url
// segment encoding and signs the digest with the chain's own
// secp256k1 key via btcec, the same curve the rest of the gateway
// already uses for account keys.
package jws

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/golang-jwt/jwt/v4"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wferrors"
)

// Claims is the payload §4.6 specifies for signature operations.
type Claims struct {
	Addr    string `json:"addr"`
	OrgName string `json:"orgname"`
	URL     string `json:"url"`
	Iat     int64  `json:"iat"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Flattened is the three-field flattened JWS serialization.
type Flattened struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

const curveByteLen = 32

// Sign builds a flattened JWS over claims, signed with priv using
// ES256-over-secp256k1.
func Sign(priv *btcec.PrivateKey, claims Claims) (*Flattened, error) {
	hdrJSON, err := json.Marshal(header{Alg: "ES256", Typ: "JWT"})
	if err != nil {
		return nil, wferrors.New(wferrors.SignError, "encoding jws header", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, wferrors.New(wferrors.SignError, "encoding jws payload", err)
	}

	protected := jwt.EncodeSegment(hdrJSON)
	payload := jwt.EncodeSegment(payloadJSON)
	signingInput := protected + "." + payload

	digest := sha256.Sum256([]byte(signingInput))
	ecdsaKey := priv.ToECDSA()
	r, s, err := ecdsa.Sign(rand.Reader, ecdsaKey, digest[:])
	if err != nil {
		return nil, wferrors.New(wferrors.SignError, "signing jws", err)
	}

	sigBytes := make([]byte, 2*curveByteLen)
	r.FillBytes(sigBytes[:curveByteLen])
	s.FillBytes(sigBytes[curveByteLen:])

	return &Flattened{
		Protected: protected,
		Payload:   payload,
		Signature: jwt.EncodeSegment(sigBytes),
	}, nil
}

// Verify checks a flattened JWS against pub, returning the decoded claims.
func Verify(flat *Flattened, pub *btcec.PublicKey) (*Claims, error) {
	hdrJSON, err := jwt.DecodeSegment(flat.Protected)
	if err != nil {
		return nil, wferrors.New(wferrors.SignError, "decoding jws header", err)
	}
	var hdr header
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, wferrors.New(wferrors.SignError, "parsing jws header", err)
	}
	if hdr.Alg != "ES256" {
		return nil, wferrors.New(wferrors.SignError, "unsupported jws algorithm "+hdr.Alg)
	}

	payloadJSON, err := jwt.DecodeSegment(flat.Payload)
	if err != nil {
		return nil, wferrors.New(wferrors.SignError, "decoding jws payload", err)
	}
	sigBytes, err := jwt.DecodeSegment(flat.Signature)
	if err != nil || len(sigBytes) != 2*curveByteLen {
		return nil, wferrors.New(wferrors.SignError, "malformed jws signature")
	}

	signingInput := flat.Protected + "." + flat.Payload
	digest := sha256.Sum256([]byte(signingInput))

	r := new(big.Int).SetBytes(sigBytes[:curveByteLen])
	s := new(big.Int).SetBytes(sigBytes[curveByteLen:])
	if !ecdsa.Verify(pub.ToECDSA(), digest[:], r, s) {
		return nil, wferrors.New(wferrors.SignError, "jws signature does not verify")
	}

	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, wferrors.New(wferrors.SignError, "parsing jws claims", err)
	}
	return &claims, nil
}
