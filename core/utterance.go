package orchestration

import "time"

// Utterance is what the user said for one turn. Interim text replaces the
// previous interim until the utterance is finalized; after that it never
// changes.
type Utterance struct {
	Text        string
	Finalized   bool
	SubmittedAt time.Time
}

func (u *Utterance) update(text string) bool {
	if u.Finalized {
		return false
	}
	u.Text = text
	return true
}

func (u *Utterance) finalize(text string, at time.Time) bool {
	if u.Finalized {
		return false
	}
	u.Text = text
	u.Finalized = true
	u.SubmittedAt = at
	return true
}
