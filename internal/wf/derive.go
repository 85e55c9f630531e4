package wf

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// NetParamsFor resolves chain parameters the way the rest of the
// gateway names them: "mainnet", "testnet3", "regtest".
func NetParamsFor(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
}

// PubKeyToP2PKHAddress derives a P2PKH address from a compressed or
// uncompressed public key for the configured network, as §4.5's
// extraction algorithm requires ("derive via P2PKH for the configured
// network").
func PubKeyToP2PKHAddress(pubKeyBytes []byte, network string) (string, error) {
	if _, err := btcec.ParsePubKey(pubKeyBytes); err != nil {
		return "", fmt.Errorf("parsing originator public key: %w", err)
	}
	params, err := NetParamsFor(network)
	if err != nil {
		return "", err
	}
	pkHash := btcutil.Hash160(pubKeyBytes)
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, params)
	if err != nil {
		return "", fmt.Errorf("building P2PKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}
