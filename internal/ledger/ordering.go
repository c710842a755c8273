package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/savegress/bankrecon/pkg/models"
)

// SequenceCeiling is the largest manual sequence an ordering key can encode
const SequenceCeiling int64 = 9_999_999_999

// OrderingKey builds the sortable key of a transaction: the date, then the
// manual sequence inverted so that higher sequences sort first within a
// day, then the id to break ties.
func OrderingKey(date time.Time, sequence int64, id string) string {
	if sequence < 0 {
		sequence = 0
	}
	if sequence > SequenceCeiling {
		sequence = SequenceCeiling
	}
	return date.Format("20060102") + fmt.Sprintf("%010d", SequenceCeiling-sequence) + id
}

// ImportKeys derives stable dedupe keys for imported lines. Lines carrying a
// bank reference use it; others hash their content, numbered by occurrence
// so that two identical lines in one file stay distinct.
type ImportKeys struct {
	seen map[string]int
}

func NewImportKeys() *ImportKeys {
	return &ImportKeys{seen: make(map[string]int)}
}

// Next returns the key of line within accountID
func (k *ImportKeys) Next(accountID string, line models.CanonicalTransaction) string {
	if ref := strings.TrimSpace(line.Reference); ref != "" {
		return "ref:" + ref
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		accountID,
		line.Date.Format("2006-01-02"),
		line.Amount.String(),
		line.Currency,
		strings.TrimSpace(line.PaymentRef),
		strings.TrimSpace(line.CounterpartyName),
		strings.TrimSpace(line.AccountNumber),
	)
	sum := hex.EncodeToString(h.Sum(nil))[:32]
	k.seen[sum]++
	return fmt.Sprintf("sha:%s:%d", sum, k.seen[sum])
}

// Clone copies the occurrence counts so a failed batch can be replayed
// with the same keys.
func (k *ImportKeys) Clone() *ImportKeys {
	seen := make(map[string]int, len(k.seen))
	for h, n := range k.seen {
		seen[h] = n
	}
	return &ImportKeys{seen: seen}
}
