package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/repository"
	"github.com/noah-isme/judgedispatch/internal/verdict"
)

// LifecycleConfig holds the judging rules applied to reported results.
type LifecycleConfig struct {
	LazyEval   int
	Priorities verdict.Priorities
}

// RunRecord is a run result as accepted from a judgehost, already remapped.
type RunRecord struct {
	Result      string
	Runtime     *float64
	Score       *float64
	StartTime   *time.Time
	EndTime     *time.Time
	Pass        int
	AnotherPass bool
	OutputRef   string
	OutputSize  int64
}

// RunOutcome describes what a reported run changed.
type RunOutcome struct {
	Recorded      bool
	Duplicate     bool
	NeedsMoreWork bool
	Finalized     *JudgingFinalizedEvent
	CohortID      *uint
}

// CompileOutcome describes what a reported compile result changed.
type CompileOutcome struct {
	Conflict  bool
	Finalized *JudgingFinalizedEvent
	CohortID  *uint
}

// Lifecycle turns reported results into judging verdicts. Every method runs inside the
// caller's transaction.
type Lifecycle struct {
	cfg    LifecycleConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewLifecycle constructs the judging lifecycle rules.
func NewLifecycle(cfg LifecycleConfig, logger zerolog.Logger) *Lifecycle {
	if cfg.Priorities == nil {
		cfg.Priorities = verdict.DefaultPriorities()
	}
	if cfg.LazyEval == models.LazyEvalInherit {
		cfg.LazyEval = models.LazyEvalOn
	}
	return &Lifecycle{
		cfg:    cfg,
		logger: logger.With().Str("component", "judging_lifecycle").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ApplyRun records one run result and finalizes the judging once its verdict is known.
// A verdict that was already recorded is never changed by later runs.
func (l *Lifecycle) ApplyRun(ctx context.Context, tx repository.Store, judging models.Judging, run models.JudgingRun, record RunRecord) (RunOutcome, error) {
	submission, err := tx.Catalog().GetSubmission(ctx, judging.SubmissionID)
	if err != nil {
		return RunOutcome{}, err
	}
	problem, err := tx.Catalog().GetProblem(ctx, submission.ProblemID)
	if err != nil {
		return RunOutcome{}, err
	}

	pass := record.Pass
	if pass <= 0 {
		pass = run.PassCount + 1
	}
	result := record.Result
	switch verdict.NextPass(pass, problem.MultipassLimit, record.AnotherPass && problem.MultipassLimit > 0) {
	case verdict.PassContinue:
		if err := tx.Judgings().UpdateRun(ctx, run.ID, map[string]interface{}{"pass_count": pass}); err != nil {
			return RunOutcome{}, err
		}
		return RunOutcome{Recorded: true, NeedsMoreWork: true}, nil
	case verdict.PassExceeded:
		result = verdict.WrongAnswer
	}

	recorded, err := tx.Judgings().RecordRun(ctx, run.ID, map[string]interface{}{
		"result":      result,
		"runtime":     record.Runtime,
		"score":       record.Score,
		"start_time":  record.StartTime,
		"end_time":    record.EndTime,
		"pass_count":  pass,
		"output_ref":  record.OutputRef,
		"output_size": record.OutputSize,
	})
	if err != nil {
		return RunOutcome{}, err
	}
	if recorded == 0 {
		return RunOutcome{Duplicate: true}, nil
	}

	if record.Runtime != nil && (judging.MaxRuntime == nil || *record.Runtime > *judging.MaxRuntime) {
		if err := tx.Judgings().Update(ctx, judging.ID, map[string]interface{}{"max_runtime": *record.Runtime}); err != nil {
			return RunOutcome{}, err
		}
	}

	runs, err := tx.Judgings().ListRuns(ctx, judging.ID)
	if err != nil {
		return RunOutcome{}, err
	}
	results := make([]*string, 0, len(runs))
	pending := false
	for _, r := range runs {
		results = append(results, r.Result)
		if r.Result == nil {
			pending = true
		}
	}

	final, decided, err := verdict.FinalResult(results, l.cfg.Priorities)
	if err != nil {
		return RunOutcome{}, err
	}

	outcome := RunOutcome{Recorded: true, CohortID: judging.RejudgingID}
	complete := judging.JudgeCompletely || lazyMode(problem, l.cfg.LazyEval) == models.LazyEvalFull || problem.Scoring

	if judging.Finished() {
		if judging.HasResult() && final != "" && final != *judging.Result && !pending {
			l.logger.Warn().
				Uint("judging_id", judging.ID).
				Str("recorded", *judging.Result).
				Str("computed", final).
				Msg("late runs disagree with recorded verdict")
		}
		if problem.Scoring && !pending {
			score, err := l.score(ctx, tx, problem, runs)
			if err != nil {
				return RunOutcome{}, err
			}
			if err := tx.Judgings().Update(ctx, judging.ID, map[string]interface{}{"score": score}); err != nil {
				return RunOutcome{}, err
			}
		}
		return outcome, nil
	}

	if !decided {
		outcome.NeedsMoreWork = true
		return outcome, nil
	}

	if judging.HasResult() {
		final = *judging.Result
	} else {
		if !complete {
			if _, err := tx.JudgeTasks().InvalidateJob(ctx, judging.ID); err != nil {
				return RunOutcome{}, err
			}
		}
		if err := tx.JudgeTasks().SetUnclaimedPriority(ctx, judging.ID, models.PriorityLow); err != nil {
			return RunOutcome{}, err
		}
	}

	if complete && pending {
		if err := tx.Judgings().Update(ctx, judging.ID, map[string]interface{}{"result": final}); err != nil {
			return RunOutcome{}, err
		}
		outcome.NeedsMoreWork = true
		return outcome, nil
	}

	event, err := l.finalize(ctx, tx, judging, submission, problem, final, runs)
	if err != nil {
		return RunOutcome{}, err
	}
	outcome.Finalized = event
	return outcome, nil
}

// ApplyCompile records the compile outcome of a judging. A failed compile finalizes the
// judging as a compiler error. Differing reports for the same judging are a conflict.
func (l *Lifecycle) ApplyCompile(ctx context.Context, tx repository.Store, judging models.Judging, judgehostID uint, success bool, output string) (CompileOutcome, error) {
	if judging.CompileSuccess != nil {
		return CompileOutcome{Conflict: *judging.CompileSuccess != success}, nil
	}

	err := tx.Judgings().Update(ctx, judging.ID, map[string]interface{}{
		"compile_success":   success,
		"compile_output":    output,
		"compile_judgehost": judgehostID,
	})
	if err != nil {
		return CompileOutcome{}, err
	}
	if success || judging.Finished() {
		return CompileOutcome{}, nil
	}

	if err := invalidateJob(ctx, tx, judging.ID); err != nil {
		return CompileOutcome{}, err
	}

	submission, err := tx.Catalog().GetSubmission(ctx, judging.SubmissionID)
	if err != nil {
		return CompileOutcome{}, err
	}
	problem, err := tx.Catalog().GetProblem(ctx, submission.ProblemID)
	if err != nil {
		return CompileOutcome{}, err
	}

	event, err := l.finalize(ctx, tx, judging, submission, problem, verdict.CompilerError, nil)
	if err != nil {
		return CompileOutcome{}, err
	}
	return CompileOutcome{Finalized: event, CohortID: judging.RejudgingID}, nil
}

// finalize stores the verdict and decides whether the judging becomes the one that counts.
// It returns nil when another writer finished the judging first.
func (l *Lifecycle) finalize(ctx context.Context, tx repository.Store, judging models.Judging, submission models.Submission, problem models.Problem, result string, runs []models.JudgingRun) (*JudgingFinalizedEvent, error) {
	now := l.now()
	updates := map[string]interface{}{
		"result":   result,
		"end_time": now,
	}

	var score *float64
	if problem.Scoring {
		value, err := l.score(ctx, tx, problem, runs)
		if err != nil {
			return nil, err
		}
		score = &value
		updates["score"] = value
	}

	// Outside a rejudging the newest finished judging is the one that counts.
	valid := judging.Valid || judging.RejudgingID == nil
	if judging.RejudgingID != nil {
		rejudging, err := tx.Rejudgings().GetByID(ctx, *judging.RejudgingID)
		if err != nil {
			return nil, err
		}
		if rejudging.AutoApply && !rejudging.Finished() {
			valid = true
			if err := tx.Catalog().SetSubmissionRejudging(ctx, []uint{submission.ID}, nil); err != nil {
				return nil, err
			}
		}
	}
	if valid {
		updates["valid"] = true
	}

	finished, err := tx.Judgings().FinishIfOpen(ctx, judging.ID, updates)
	if err != nil {
		return nil, err
	}
	if finished == 0 {
		return nil, nil
	}
	if valid {
		if err := tx.Judgings().InvalidateOthers(ctx, submission.ID, judging.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.QueueTasks().DeleteByJob(ctx, judging.ID); err != nil {
		return nil, err
	}

	l.logger.Info().
		Uint("judging_id", judging.ID).
		Str("result", result).
		Bool("valid", valid).
		Msg("judging finalized")

	return &JudgingFinalizedEvent{
		JudgingID:    judging.ID,
		SubmissionID: submission.ID,
		ContestID:    submission.ContestID,
		TeamID:       submission.TeamID,
		ProblemID:    submission.ProblemID,
		Result:       result,
		Score:        score,
		Valid:        valid,
		RejudgingID:  judging.RejudgingID,
		FinishedAt:   now,
	}, nil
}

// score aggregates run scores per testcase group. Testcases outside any group are summed.
func (l *Lifecycle) score(ctx context.Context, tx repository.Store, problem models.Problem, runs []models.JudgingRun) (float64, error) {
	testcases, err := tx.Catalog().ListTestcases(ctx, problem.ID)
	if err != nil {
		return 0, err
	}
	groups, err := tx.Catalog().ListTestcaseGroups(ctx, problem.ID)
	if err != nil {
		return 0, err
	}

	groupOf := make(map[uint]uint, len(testcases))
	for _, testcase := range testcases {
		if testcase.GroupID != nil {
			groupOf[testcase.ID] = *testcase.GroupID
		}
	}

	specs := make([]verdict.GroupScore, 0, len(groups)+1)
	specs = append(specs, verdict.GroupScore{GroupID: 0, Aggregation: models.AggregationSum, Weight: 1})
	for _, group := range groups {
		specs = append(specs, verdict.GroupScore{
			GroupID:     group.ID,
			Aggregation: group.Aggregation,
			Weight:      group.Weight,
			MaxScore:    group.MaxScore,
		})
	}

	scores := make([]verdict.RunScore, 0, len(runs))
	for _, run := range runs {
		if run.Result == nil || run.Score == nil {
			continue
		}
		scores = append(scores, verdict.RunScore{GroupID: groupOf[run.TestcaseID], Score: *run.Score})
	}
	return verdict.Score(specs, scores), nil
}
