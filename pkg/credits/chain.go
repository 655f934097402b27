package credits

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash anchors the transaction chain before any row exists.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// chainHash computes the hash for a transaction row given its predecessor's
// hash. The row is serialized through RFC 8785 canonical JSON so the hash is
// independent of map iteration order and encoder quirks.
func chainHash(prev string, tx Transaction) (string, error) {
	payload := struct {
		PreviousHash string `json:"previous_hash"`
		ID           string `json:"id"`
		AgentDID     string `json:"agent_did"`
		Type         TxType `json:"tx_type"`
		Amount       int64  `json:"amount"`
		IntentID     string `json:"intent_id"`
		ProofID      string `json:"usefulness_proof_id"`
		CreatedAt    int64  `json:"created_at"`
	}{prev, tx.ID, tx.AgentDID, tx.Type, tx.Amount, tx.IntentID, tx.ProofID, tx.CreatedAt.UnixNano()}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("credits: marshal chain payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("credits: canonicalize chain payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum), nil
}

// VerifyChain checks that a slice of transactions in insertion order forms an
// unbroken hash chain starting at GenesisHash. It returns the index of the
// first broken link, or -1 when the chain is intact.
func VerifyChain(txs []Transaction) (int, error) {
	prev := GenesisHash
	for i, tx := range txs {
		if tx.PreviousHash != prev {
			return i, fmt.Errorf("credits: chain broken at %d: previous_hash mismatch", i)
		}
		want, err := chainHash(prev, tx)
		if err != nil {
			return i, err
		}
		if tx.Hash != want {
			return i, fmt.Errorf("credits: chain broken at %d: hash mismatch", i)
		}
		prev = tx.Hash
	}
	return -1, nil
}
