package txbuilder

import "github.com/btcsuite/btcd/chaincfg/chainhash"

func chainhashFromTxID(txid string) (*chainhash.Hash, error) {
	return chainhash.NewHashFromStr(txid)
}
