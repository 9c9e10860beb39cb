// Package verdict holds the pure rules that turn judging run results into a judging verdict.
package verdict

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Run results and judging verdicts.
const (
	Correct       = "correct"
	WrongAnswer   = "wrong-answer"
	TimeLimit     = "timelimit"
	RunError      = "run-error"
	MemoryLimit   = "memory-limit"
	OutputLimit   = "output-limit"
	NoOutput      = "no-output"
	CompilerError = "compiler-error"
	Aborted       = "aborted"
)

// Priorities maps each run result to how strongly it determines the judging verdict.
// The highest reported priority wins.
type Priorities map[string]int

// DefaultPriorities treats every failure as decisive and correct as the weakest outcome.
func DefaultPriorities() Priorities {
	return Priorities{
		MemoryLimit: 99,
		OutputLimit: 99,
		RunError:    99,
		TimeLimit:   99,
		WrongAnswer: 99,
		NoOutput:    99,
		Correct:     1,
	}
}

// Max returns the highest configured priority.
func (p Priorities) Max() int {
	max := 0
	for _, prio := range p {
		if prio > max {
			max = prio
		}
	}
	return max
}

// Known reports whether the result has a configured priority.
func (p Priorities) Known(result string) bool {
	_, ok := p[result]
	return ok
}

// Remap rewrites run results before they are stored, e.g. to fold presentation errors into wrong answers.
type Remap map[string]string

// Apply returns the remapped result, or the input when no mapping exists.
func (r Remap) Apply(result string) string {
	if mapped, ok := r[result]; ok && mapped != "" {
		return mapped
	}
	return result
}

// ParsePriorities parses a "result:prio,result:prio" list.
func ParsePriorities(raw string) (Priorities, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return DefaultPriorities(), nil
	}

	prio := make(Priorities, len(pairs))
	for key, value := range pairs {
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid priority for %q: %w", key, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("priority for %q must be positive", key)
		}
		prio[key] = n
	}
	return prio, nil
}

// ParseRemap parses a "from:to,from:to" list.
func ParseRemap(raw string) (Remap, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, err
	}
	return Remap(pairs), nil
}

func parsePairs(raw string) (map[string]string, error) {
	result := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid entry %q", part)
		}
		result[key] = value
	}
	return result, nil
}

// FinalResult determines the verdict of a judging from its run results. A nil entry is a
// pending run. The verdict is decided once every run is in, or earlier when the best
// result seen so far already carries the maximal priority. Runs may arrive in any order.
func FinalResult(results []*string, prio Priorities) (string, bool, error) {
	pending := false
	best := ""
	bestPrio := -1

	for _, result := range results {
		if result == nil {
			pending = true
			continue
		}
		p, ok := prio[*result]
		if !ok {
			return "", false, fmt.Errorf("unknown result %q", *result)
		}
		if p > bestPrio {
			best = *result
			bestPrio = p
		}
	}

	if best == "" {
		return "", false, nil
	}
	if pending && bestPrio < prio.Max() {
		return "", false, nil
	}
	return best, true, nil
}

// GroupScore describes how a testcase group contributes to the judging score.
type GroupScore struct {
	GroupID     uint
	Aggregation string
	Weight      float64
	MaxScore    *float64
}

// RunScore is the score of one reported run inside a group.
type RunScore struct {
	GroupID uint
	Score   float64
}

// Score aggregates run scores per group and sums the weighted group results.
// Groups without runs contribute nothing.
func Score(groups []GroupScore, runs []RunScore) float64 {
	byGroup := make(map[uint][]float64, len(groups))
	for _, run := range runs {
		byGroup[run.GroupID] = append(byGroup[run.GroupID], run.Score)
	}

	sorted := make([]GroupScore, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GroupID < sorted[j].GroupID })

	total := 0.0
	for _, group := range sorted {
		scores := byGroup[group.GroupID]
		if len(scores) == 0 {
			continue
		}
		value := aggregate(group.Aggregation, scores)
		weight := group.Weight
		if weight == 0 {
			weight = 1
		}
		value *= weight
		if group.MaxScore != nil && value > *group.MaxScore {
			value = *group.MaxScore
		}
		total += value
	}
	return total
}

func aggregate(kind string, scores []float64) float64 {
	switch kind {
	case "min":
		min := scores[0]
		for _, s := range scores[1:] {
			if s < min {
				min = s
			}
		}
		return min
	case "max":
		max := scores[0]
		for _, s := range scores[1:] {
			if s > max {
				max = s
			}
		}
		return max
	case "avg":
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		return sum / float64(len(scores))
	default:
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		return sum
	}
}

// PassOutcome is the effect of one multi-pass round on its testcase.
type PassOutcome int

const (
	// PassDone means the testcase is finished with the reported result.
	PassDone PassOutcome = iota
	// PassContinue means the testcase needs another round.
	PassContinue
	// PassExceeded means the testcase asked for more rounds than allowed.
	PassExceeded
)

// NextPass decides what happens after round pass (1-based) of a multi-pass testcase.
func NextPass(pass, limit int, wantsAnother bool) PassOutcome {
	if !wantsAnother {
		return PassDone
	}
	if limit > 0 && pass >= limit {
		return PassExceeded
	}
	return PassContinue
}
