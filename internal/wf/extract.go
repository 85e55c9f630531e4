package wf

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wferrors"
)

// whiteflagIdentifier is "WF" in the hex space, per the design note
// resolving the source's hex/ASCII ambiguity: treat the wire form as
// hex after "OP_RETURN " and check the identifier in that same space.
const whiteflagIdentifier = "5746"

const maxEmbeddedBytes = 80

// ExtractMessage takes the payload of tx's first OP_RETURN output,
// requires it to carry the Whiteflag prefix, and builds its metaheader
// (§4.5). Later OP_RETURN outputs are not examined.
func ExtractMessage(tx RawTransaction, blockchain string, blockNumber int64, network string) (*MetaHeader, error) {
	data, found := findOpReturnHex(tx.Vout)
	if !found {
		return nil, wferrors.New(wferrors.NoData, "no OP_RETURN output present")
	}
	if !strings.HasPrefix(data, whiteflagIdentifier) {
		return nil, wferrors.New(wferrors.NoData, "OP_RETURN payload missing Whiteflag identifier")
	}
	if raw, err := hex.DecodeString(data); err == nil && len(raw) > maxEmbeddedBytes {
		return nil, wferrors.New(wferrors.BadRequest, "embedded data exceeds 80 bytes")
	}

	pubKeyHex, address, err := deriveOriginator(tx, network)
	if err != nil {
		return nil, wferrors.New(wferrors.MetaHeaderError, "deriving originator", err)
	}

	return &MetaHeader{
		Blockchain:          blockchain,
		BlockNumber:         blockNumber,
		TransactionHash:     tx.TxID,
		TransactionTime:     time.Unix(tx.BlockTime, 0).UTC(),
		OriginatorAddress:   address,
		OriginatorPubKey:    pubKeyHex,
		EncodedMessage:      data,
		TransceiveDirection: RX,
		TransmissionSuccess: true,
	}, nil
}

// findOpReturnHex scans outputs in order for the first OP_RETURN script
// and returns the hex payload following the opcode.
func findOpReturnHex(outs []Vout) (string, bool) {
	for _, out := range outs {
		asm := out.ScriptPubKey.Asm
		if !strings.HasPrefix(asm, "OP_RETURN") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(asm, "OP_RETURN"))
		if rest == "" {
			continue
		}
		return rest, true
	}
	return "", false
}

// deriveOriginator reads the originator public key from the first
// input's scriptSig ASM by splitting the text on the "[ALL] "
// separator (the script is not parsed structurally) and derives its
// P2PKH address for network.
func deriveOriginator(tx RawTransaction, network string) (pubKeyHex string, address string, err error) {
	if len(tx.Vin) == 0 {
		return "", "", wferrors.New(wferrors.MetaHeaderError, "transaction has no inputs")
	}
	asm := tx.Vin[0].ScriptSig.Asm
	const marker = "[ALL] "
	idx := strings.Index(asm, marker)
	if idx == -1 {
		return "", "", wferrors.New(wferrors.MetaHeaderError, "scriptSig missing signature-type marker")
	}
	pubKeyHex = strings.TrimSpace(asm[idx+len(marker):])

	pubKeyBytes, decodeErr := hex.DecodeString(pubKeyHex)
	if decodeErr != nil {
		return "", "", wferrors.New(wferrors.MetaHeaderError, "originator public key is not valid hex", decodeErr)
	}

	address, addrErr := PubKeyToP2PKHAddress(pubKeyBytes, network)
	if addrErr != nil {
		return "", "", addrErr
	}
	return pubKeyHex, address, nil
}

// ValidateEncodedMessage checks a hex-encoded Whiteflag message (as
// handed to the transaction builder's send()) against the OP_RETURN
// cap and identifier prefix, the inverse half of ExtractMessage.
func ValidateEncodedMessage(hexData string) ([]byte, error) {
	raw, err := hex.DecodeString(hexData)
	if err != nil {
		return nil, wferrors.New(wferrors.BadRequest, "encoded message is not valid hex", err)
	}
	if len(raw) > maxEmbeddedBytes {
		return nil, wferrors.New(wferrors.BadRequest, "embedded data exceeds 80 bytes")
	}
	if !strings.HasPrefix(hexData, whiteflagIdentifier) {
		return nil, wferrors.New(wferrors.BadRequest, "encoded message missing Whiteflag identifier")
	}
	return raw, nil
}
