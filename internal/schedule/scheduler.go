// Package schedule implements the pure scheduling core: the time-window
// evaluator and the quota-aware batch scheduler. No I/O; callers inject the
// start time and the randomness source, so the placement logic is fully
// deterministic under test.
package schedule

import (
	"math/rand"
	"sort"
	"time"
)

// Task is one schedulable unit of work (one pending message awaiting a send
// time). Higher priority is scheduled first.
type Task struct {
	ID       string
	Payload  any
	Priority int
}

// ScheduledTask is a Task with its assigned send time and the scheduling day
// it landed on (0 = first scheduling day). Never mutated after creation.
type ScheduledTask struct {
	Task
	ScheduledTime time.Time
	DayIndex      int
}

// Result is the outcome of one scheduling run.
type Result struct {
	Scheduled   []ScheduledTask
	Unscheduled []Task
	TasksPerDay map[int]int
}

// Scheduler assigns send times to tasks under the daily quota and window
// rules of a Config.
type Scheduler struct {
	rng *rand.Rand
}

// NewScheduler creates a scheduler. A nil source is seeded from the clock;
// tests pass a fixed source to make gap selection deterministic.
func NewScheduler(src rand.Source) *Scheduler {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Scheduler{rng: rand.New(src)}
}

// Schedule places tasks in descending priority order (stable on ties),
// spilling excess tasks over to subsequent allowed days. Tasks that cannot
// be placed within maxDays scheduling days are returned in Unscheduled,
// preserving their original input order.
func (s *Scheduler) Schedule(tasks []Task, cfg *Config, start time.Time, maxDays int) Result {
	result := Result{
		Scheduled:   []ScheduledTask{},
		Unscheduled: []Task{},
		TasksPerDay: map[int]int{},
	}
	if len(tasks) == 0 {
		return result
	}

	type indexed struct {
		Task
		idx int
	}
	ordered := make([]indexed, len(tasks))
	for i, t := range tasks {
		ordered[i] = indexed{Task: t, idx: i}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	current, ok := NextAllowed(start, cfg)
	if !ok {
		result.Unscheduled = append(result.Unscheduled, tasks...)
		return result
	}

	dayIndex := 0
	dailyCount := 0
	horizonExhausted := false

	var unplaced []indexed

	for _, task := range ordered {
		if horizonExhausted {
			unplaced = append(unplaced, task)
			continue
		}

		placed := false
		for {
			if dailyCount < cfg.DailyLimit && IsAllowed(current, cfg) {
				result.Scheduled = append(result.Scheduled, ScheduledTask{
					Task:          task.Task,
					ScheduledTime: current,
					DayIndex:      dayIndex,
				})
				result.TasksPerDay[dayIndex]++
				dailyCount++
				current = current.Add(s.randomGap(cfg))
				placed = true
				break
			}

			if dayIndex+1 > maxDays {
				horizonExhausted = true
				break
			}
			next, ok := nextDayStart(current, cfg)
			if !ok {
				horizonExhausted = true
				break
			}
			current = next
			dayIndex++
			dailyCount = 0
		}

		if !placed && horizonExhausted {
			unplaced = append(unplaced, task)
		}
	}

	sort.Slice(unplaced, func(i, j int) bool { return unplaced[i].idx < unplaced[j].idx })
	for _, u := range unplaced {
		result.Unscheduled = append(result.Unscheduled, u.Task)
	}

	return result
}

// randomGap returns a uniformly random spacing in
// [MinGapMinutes, MaxGapMinutes].
func (s *Scheduler) randomGap(cfg *Config) time.Duration {
	span := cfg.MaxGapMinutes - cfg.MinGapMinutes
	gap := cfg.MinGapMinutes
	if span > 0 {
		gap += s.rng.Intn(span + 1)
	}
	return time.Duration(gap) * time.Minute
}

// nextDayStart returns the first allowed instant on a calendar day after the
// day containing t.
func nextDayStart(t time.Time, cfg *Config) (time.Time, bool) {
	loc := cfg.Location()
	lt := t.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc)
	return NextAllowed(midnight, cfg)
}
