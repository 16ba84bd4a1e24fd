package store

import (
	"sort"

	"github.com/samber/lo"

	"github.com/parley-im/chatcore/pkg/models"
)

type ReactionStat struct {
	Emoji string
	Count int
	Own   bool
}

// ApplyReaction toggles the local user's reaction on a message and
// returns the new aggregate. The same emoji toggles off; a different
// emoji swaps, never stacks. The network layer reconciles the
// authoritative counts afterwards.
func (s *Store) ApplyReaction(id, emoji string) (map[string]int, error) {
	if emoji == "" {
		return nil, models.ValidationError("reaction emoji is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, models.ConflictError("message not found: " + id)
	}

	// Copy-on-write: snapshots handed out by Messages and Get share the
	// current map, so the toggle lands on a fresh one.
	counts := copyCounts(msg.Reactions)

	if prev := msg.OwnReaction; prev != "" {
		if counts[prev] <= 1 {
			delete(counts, prev)
		} else {
			counts[prev]--
		}
		msg.OwnReaction = ""
		if prev == emoji {
			msg.Reactions = counts
			return copyCounts(counts), nil
		}
	}

	counts[emoji]++
	msg.Reactions = counts
	msg.OwnReaction = emoji
	return copyCounts(counts), nil
}

// SetReactions replaces a message's aggregate with the server's
// authoritative view.
func (s *Store) SetReactions(id string, counts map[string]int, own string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.byID[id]; ok {
		msg.Reactions = copyCounts(counts)
		msg.OwnReaction = own
	}
}

// TopReactions returns the n most used reactions for the compact
// summary row, ordered by count then emoji for determinism.
func (s *Store) TopReactions(id string, n int) []ReactionStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok || len(msg.Reactions) == 0 {
		return nil
	}

	stats := lo.MapToSlice(msg.Reactions, func(emoji string, count int) ReactionStat {
		return ReactionStat{Emoji: emoji, Count: count, Own: emoji == msg.OwnReaction}
	})
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Emoji < stats[j].Emoji
	})
	if n > 0 && len(stats) > n {
		stats = stats[:n]
	}
	return stats
}

// ReactionTotal sums every reaction on a message.
func (s *Store) ReactionTotal(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return 0
	}
	return lo.Sum(lo.Values(msg.Reactions))
}

func copyCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}
