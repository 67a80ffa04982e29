// Package reflection decides when an unsolicited reflection should be
// written while the user is journaling.
//
// # State machine
//
// Each thread moves through Idle, ArmedWaiting, Evaluating and Emitting.
// An edit arms a debounce timer (restarting it if already armed) and cancels
// any emission in flight. When the timer fires the content is evaluated:
//
//   - editing must have started in this session
//   - the trimmed content must be non-empty and at least the minimum length
//   - the content must end in '.', '!' or '?'
//
// The reflection target is the whole content for a thread with no prior
// reflection (up to FullContentLimit), otherwise its last three sentences,
// falling back to the last 400 characters if those are under 80.
//
// With a prior reflection the target must also be novel: when its similarity
// to the prior reflection's basis exceeds the threshold, or the target is
// shorter than the minimum length, nothing is emitted.
//
// # Usage
//
//	c := reflection.NewController(cfg, settingsStore, similarity, threads, companion, logger)
//	defer c.Stop()
//	c.ContentChanged("entry:01J...", content, reflection.EditOptions{EditingStarted: true})
package reflection
