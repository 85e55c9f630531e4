package account

import (
	"encoding/json"
	"fmt"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wf"
)

// nodeBlock mirrors the subset of a verbosity-2 getblock response this
// gateway reads.
type nodeBlock struct {
	Hash   string             `json:"hash"`
	Height int64              `json:"height"`
	Time   int64              `json:"time"`
	Tx     []wf.RawTransaction `json:"tx"`
}

func decodeBlock(expectedHeight int64, raw json.RawMessage) (*Block, error) {
	var nb nodeBlock
	if err := json.Unmarshal(raw, &nb); err != nil {
		return nil, fmt.Errorf("decoding block %d: %w", expectedHeight, err)
	}
	for i := range nb.Tx {
		if nb.Tx[i].BlockTime == 0 {
			nb.Tx[i].BlockTime = nb.Time
		}
	}
	return &Block{Height: nb.Height, Time: nb.Time, Transactions: nb.Tx}, nil
}
