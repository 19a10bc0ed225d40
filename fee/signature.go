/*
signature.go - Deterministic result signatures

PURPOSE:
  A signature is a SHA-256 over the policy hash, the transaction
  identity, the canonicalized transaction input, the total fee, and the
  breakdown amounts. Two calculations with identical policy + input
  produce identical signatures, which is how the ledger detects
  duplicate/idempotent settlements. The transaction id participates so
  two distinct transactions carrying the same content never collide.
  Signatures are for replay detection, not security.

CANONICALIZATION:
  Lines serialize in declaration order with normalized decimal strings;
  maps (attributes) serialize in sorted key order. Nothing
  non-deterministic (timestamps, ids assigned at persist time)
  participates.

SEE ALSO:
  - engine.go: Computes the signature on every persisted calculation
  - ledger.go: Replays an existing entry on signature match
*/
package fee

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

func signResult(policyHash string, tx Transaction, res *Result) string {
	h := sha256.New()
	fmt.Fprintf(h, "sig|%s|%s|%s|%s\n", policyHash, tx.TransactionID, tx.ChannelKey, tx.Currency)
	fmt.Fprintf(h, "idem|%s|%s\n", tx.IdempotencyKey, asOfKey(tx.AsOf))

	totals := tx.Totals()
	fmt.Fprintf(h, "order|%s|%s|%s|%s\n",
		totals.Net.String(), totals.Gross.String(), totals.Tax.String(), totals.Shipping.String())

	for _, l := range tx.Lines {
		fmt.Fprintf(h, "line|%s|%s|%s|%s|%s\n",
			l.LineID, l.Net.String(), l.Gross.String(), l.Tax.String(), l.Quantity.String())
		writeSortedMap(h, l.Attributes)
	}
	writeSortedMap(h, tx.Attributes)

	fmt.Fprintf(h, "total|%s\n", res.TotalFee.String())
	for _, b := range res.Breakdown {
		fmt.Fprintf(h, "amount|%s|%s|%t\n", b.ComponentID, b.Amount.String(), b.Applied)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// asOfKey renders the effective date at day granularity; a zero AsOf
// contributes nothing so "unset" and "today" don't read as two inputs.
func asOfKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func writeSortedMap(h interface{ Write([]byte) (int, error) }, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "attr|%s|%s\n", k, m[k])
	}
}
