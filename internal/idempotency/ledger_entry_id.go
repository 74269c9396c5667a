package idempotency

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

const ledgerEntryDomainV1 = "AUTOWITHDRAW_LEDGER_V1"

// LedgerEntryIDV1 computes the canonical payment-history entry id for a melt quote.
//
//	entryId = sha3_256("AUTOWITHDRAW_LEDGER_V1" || len32(endpointId) || endpointId || len32(quoteId) || quoteId)
//
// Fields are length-prefixed (4-byte big-endian) so that distinct (endpoint, quote) pairs never
// share a preimage.
func LedgerEntryIDV1(endpointID, quoteID string) string {
	h := sha3.New256()
	_, _ = h.Write([]byte(ledgerEntryDomainV1))
	writeField(h, endpointID)
	writeField(h, quoteID)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w interface{ Write([]byte) (int, error) }, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(s))
}
