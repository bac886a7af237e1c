package audit

import (
	"fmt"

	"github.com/pinch-protocol/pinch/internal/agentstore"
)

// Violation describes the first point where chain verification failed.
type Violation struct {
	Index   int
	EntryID string
	Reason  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("audit: entry %d (%s): %s", v.Index, v.EntryID, v.Reason)
}

// Verify recomputes entry_hash for every entry in chain order and checks
// prev_hash linkage. It returns the first violation found, or nil if the
// chain is intact. Verification may begin at any entry: if entries[0]'s
// PrevHash is non-empty, it is trusted as the known tail of an earlier,
// already-verified segment rather than treated as a genesis-hash
// mismatch.
func Verify(entries []*agentstore.ActivityEvent) *Violation {
	for i, e := range entries {
		if got := computeEntryHash(e); got != e.EntryHash {
			return &Violation{Index: i, EntryID: e.ID, Reason: "entry_hash does not match recomputed hash"}
		}
		if i == 0 {
			continue
		}
		if e.PrevHash != entries[i-1].EntryHash {
			return &Violation{Index: i, EntryID: e.ID, Reason: "prev_hash does not match preceding entry's entry_hash"}
		}
	}
	return nil
}
