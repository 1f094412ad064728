package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/orchestrator"
)

type stubSweeper struct {
	calls  int
	report orchestrator.SweepReport
	err    error
}

func (s *stubSweeper) Sweep(context.Context) (orchestrator.SweepReport, error) {
	s.calls++
	return s.report, s.err
}

func TestHandleReconcileSweepRunsSweeper(t *testing.T) {
	sweeper := &stubSweeper{report: orchestrator.SweepReport{Scanned: 3, Applied: 2}}
	handler := HandleReconcileSweep(sweeper, zerolog.Nop())

	require.NoError(t, handler.ProcessTask(context.Background(), NewReconcileSweepTask(time.Minute)))
	require.Equal(t, 1, sweeper.calls)

	sweeper.err = errors.New("ledger down")
	require.ErrorContains(t, handler.ProcessTask(context.Background(), NewReconcileSweepTask(time.Minute)), "ledger down")
}

func TestHandleReconcileSweepWithoutSweeperSkipsRetry(t *testing.T) {
	err := HandleReconcileSweep(nil, zerolog.Nop()).ProcessTask(context.Background(), NewReconcileSweepTask(0))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewReconcileSweepTask(t *testing.T) {
	task := NewReconcileSweepTask(time.Minute)
	require.Equal(t, TypeReconcileSweep, task.Type())
	require.Empty(t, task.Payload())
}

func TestNewRunnerValidatesSchedule(t *testing.T) {
	_, err := NewRunner(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, RunnerConfig{}, &stubSweeper{}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewRunner(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, RunnerConfig{Schedule: "not a cron"}, &stubSweeper{}, zerolog.Nop())
	require.Error(t, err)
}
