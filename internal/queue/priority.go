package queue

import (
	"time"

	"github.com/kazz187/specguild/internal/failure"
	"github.com/kazz187/specguild/internal/spec"
)

const (
	MinPriority = 1
	MaxPriority = failure.MaxPriority

	maxAgeBonus = 2
)

// DefaultPriority computes the priority of a spec enqueued without one: the
// base from its failure classification (or the escalated priority already
// recorded on the spec, if higher) plus one per full week of age, at most 2.
func DefaultPriority(s *spec.Spec, now time.Time) int {
	base := max(failure.BasePriority(failure.Classification(s.Classification)), s.Priority)
	return min(base+ageBonus(s.CreatedAt, now), MaxPriority)
}

func ageBonus(created, now time.Time) int {
	if now.Before(created) {
		return 0
	}
	weeks := int(now.Sub(created).Hours() / 24 / 7)
	return min(weeks, maxAgeBonus)
}
