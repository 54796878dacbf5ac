package ledger

import (
	"fmt"
	"time"
)

// Stamp is a logical timestamp: wall time plus a sub-tick sequence number.
// Two events sharing a Time are ordered by Seq, which keeps split
// transactions strictly ordered without perturbing the time itself.
type Stamp struct {
	Time time.Time `json:"time"`
	Seq  uint32    `json:"seq"`
}

// At returns the stamp for t with sequence 0.
func At(t time.Time) Stamp {
	return Stamp{Time: t}
}

// Next returns the stamp immediately following s at the same time.
func (s Stamp) Next() Stamp {
	return Stamp{Time: s.Time, Seq: s.Seq + 1}
}

// Compare orders by time, then by sequence.
func (s Stamp) Compare(o Stamp) int {
	if c := s.Time.Compare(o.Time); c != 0 {
		return c
	}
	switch {
	case s.Seq < o.Seq:
		return -1
	case s.Seq > o.Seq:
		return 1
	}
	return 0
}

func (s Stamp) Before(o Stamp) bool { return s.Compare(o) < 0 }

func (s Stamp) After(o Stamp) bool { return s.Compare(o) > 0 }

func (s Stamp) Equal(o Stamp) bool { return s.Compare(o) == 0 }

func (s Stamp) IsZero() bool { return s.Time.IsZero() && s.Seq == 0 }

func (s Stamp) String() string {
	return fmt.Sprintf("%s#%d", s.Time.Format(time.RFC3339), s.Seq)
}
