package poll

import "insta-notifier/pkg/notifier"

// Decision is the outcome of comparing a fetched post with the stored state.
type Decision struct {
	Reason  string // baseline, first-observation, new-post or unchanged
	PrevID  string
	Notify  bool
	Advance bool // Set the target's entry to the post id; after a successful notify when Notify is set
}

// Decide compares post with the target's entry in state. Identity is the
// post id alone; timestamps are never consulted.
func Decide(state notifier.State, post *notifier.Post, notifyOnFirstRun bool) Decision {
	prev, ok := state.Lookup(post.Target)
	switch {
	case !ok && notifyOnFirstRun:
		return Decision{Notify: true, Advance: true, Reason: "first-observation"}
	case !ok:
		return Decision{Advance: true, Reason: "baseline"}
	case prev != post.ID:
		return Decision{Notify: true, Advance: true, PrevID: prev, Reason: "new-post"}
	default:
		return Decision{PrevID: prev, Reason: "unchanged"}
	}
}
