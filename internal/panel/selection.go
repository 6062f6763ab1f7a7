package panel

import (
	"math/rand/v2"
	"sort"
	"strings"
)

// DiversityPredicate marks interviewers the roster must include at least one of.
type DiversityPredicate func(Interviewer) bool

// VoiceGender matches interviewers whose synthesis voice has the given gender.
func VoiceGender(gender string) DiversityPredicate {
	return func(iv Interviewer) bool {
		return strings.EqualFold(strings.TrimSpace(iv.Voice.Gender), gender)
	}
}

// SelectRoster draws size interviewers. When pred is set and the pool has a
// matching member, the roster is guaranteed to contain one.
func SelectRoster(pool []Interviewer, size int, pred DiversityPredicate, rng *rand.Rand) ([]Interviewer, error) {
	if len(pool) == 0 {
		return nil, ErrEmptyRoster
	}
	if size <= 0 || size > len(pool) {
		size = len(pool)
	}
	shuffled := append([]Interviewer(nil), pool...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	roster := shuffled[:size:size]
	if pred == nil {
		return roster, nil
	}
	for _, iv := range roster {
		if pred(iv) {
			return roster, nil
		}
	}
	for _, iv := range shuffled[size:] {
		if pred(iv) {
			roster[size-1] = iv
			break
		}
	}
	return roster, nil
}

// SelectQuestions returns exactly target questions. Categories are visited in
// priority order, then any unlisted categories alphabetically, taking at most
// one question per category per pass; the remainder is filled from the
// unused pool. Questions in avoid are drawn only
// after every other candidate of the same group is used.
func SelectQuestions(pool []Question, target int, priority []string, avoid map[string]bool, rng *rand.Rand) ([]Question, error) {
	if target <= 0 {
		return nil, nil
	}
	if len(pool) < target {
		return nil, ErrInsufficientQuestions
	}

	byCategory := make(map[string][]Question)
	for _, q := range pool {
		byCategory[q.Category] = append(byCategory[q.Category], q)
	}
	cats := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	// Shuffle in a fixed category order so a seeded rng is reproducible.
	for _, cat := range cats {
		byCategory[cat] = freshFirst(byCategory[cat], avoid, rng)
	}

	order := make([]string, 0, len(cats))
	listed := make(map[string]bool, len(cats))
	for _, cat := range priority {
		if listed[cat] {
			continue
		}
		listed[cat] = true
		if len(byCategory[cat]) > 0 {
			order = append(order, cat)
		}
	}
	for _, cat := range cats {
		if !listed[cat] {
			order = append(order, cat)
		}
	}

	used := make(map[string]bool, target)
	out := make([]Question, 0, target)
	for len(out) < target {
		progressed := false
		for _, cat := range order {
			if len(out) == target {
				break
			}
			qs := byCategory[cat]
			if len(qs) == 0 {
				continue
			}
			out = append(out, qs[0])
			used[qs[0].ID] = true
			byCategory[cat] = qs[1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if len(out) < target {
		var rest []Question
		for _, cat := range cats {
			for _, q := range byCategory[cat] {
				if !used[q.ID] {
					rest = append(rest, q)
				}
			}
		}
		rest = freshFirst(rest, avoid, rng)
		for _, q := range rest {
			if len(out) == target {
				break
			}
			out = append(out, q)
			used[q.ID] = true
		}
	}
	if len(out) < target {
		return nil, ErrInsufficientQuestions
	}
	return out, nil
}

// freshFirst shuffles qs and moves avoided questions to the back.
func freshFirst(qs []Question, avoid map[string]bool, rng *rand.Rand) []Question {
	out := append([]Question(nil), qs...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	sort.SliceStable(out, func(i, j int) bool {
		return !avoid[out[i].ID] && avoid[out[j].ID]
	})
	return out
}
