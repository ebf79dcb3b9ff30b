package collection

import (
	"fmt"

	"github.com/ankicommunity/ankisyncd/internal/ankiutil"
)

// SanityCheck returns the structural tally both sides compare after a sync:
// the due counts triple followed by row counts of cards, notes, revlog and
// graves, then the sizes of the models, decks and dconf maps. An error means
// the collection itself is inconsistent (leftover usn = -1 rows), which the
// handler reports as a failed check.
func (c *Collection) SanityCheck() ([]any, error) {
	for _, table := range []string{"cards", "notes", "revlog", "graves"} {
		var n int64

		err := c.db.QueryRow(
			fmt.Sprintf("SELECT count(*) FROM %s WHERE usn = -1", table)).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("collection: sanity scan of %s: %w", table, err)
		}

		if n > 0 {
			return nil, fmt.Errorf("collection: %s had usn = -1", table)
		}
	}

	for _, d := range c.decks {
		if anyToInt64(d["usn"]) == -1 {
			return nil, fmt.Errorf("collection: deck %v had usn = -1", d["id"])
		}
	}

	for name, usn := range c.tags {
		if usn == -1 {
			return nil, fmt.Errorf("collection: tag %q had usn = -1", name)
		}
	}

	for _, m := range c.models {
		if anyToInt64(m["usn"]) == -1 {
			return nil, fmt.Errorf("collection: model %v had usn = -1", m["id"])
		}
	}

	counts, err := c.dueCounts()
	if err != nil {
		return nil, err
	}

	tally := []any{counts}

	for _, table := range []string{"cards", "notes", "revlog", "graves"} {
		var n int64

		err := c.db.QueryRow(fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("collection: counting %s: %w", table, err)
		}

		tally = append(tally, n)
	}

	tally = append(tally,
		int64(len(c.models)), int64(len(c.decks)), int64(len(c.dconf)))

	return tally, nil
}

// dueCounts computes the new/learning/review counters the scheduler would
// show today.
func (c *Collection) dueCounts() ([]int64, error) {
	today := (ankiutil.IntTime(1) - c.crt) / 86400

	queries := []struct {
		sql  string
		args []any
	}{
		{"SELECT count(*) FROM cards WHERE queue = 0", nil},
		{"SELECT coalesce(sum(left / 1000), 0) FROM cards WHERE queue = 1", nil},
		{"SELECT count(*) FROM cards WHERE queue = 2 AND due <= ?", []any{today}},
	}

	counts := make([]int64, 3)

	for i, q := range queries {
		if err := c.db.QueryRow(q.sql, q.args...).Scan(&counts[i]); err != nil {
			return nil, fmt.Errorf("collection: due counts: %w", err)
		}
	}

	return counts, nil
}
