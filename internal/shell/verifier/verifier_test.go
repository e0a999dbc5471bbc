package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	services  []domain.ServiceStatus
	statusErr error
	logs      string
	logsErr   error

	statusCalls int
	tails       []int
}

func (f *fakeDriver) Status(context.Context, string) ([]domain.ServiceStatus, error) {
	f.statusCalls++
	return f.services, f.statusErr
}

func (f *fakeDriver) Logs(_ context.Context, _ string, tail int) (string, error) {
	f.tails = append(f.tails, tail)
	return f.logs, f.logsErr
}

type recordingSleeper struct {
	slept []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return nil
}

var testOptions = Options{SettleDelay: 10 * time.Second, SuccessTailLines: 20, FailureTailLines: 100}

// =============================================================================
// Classification Tests
// =============================================================================

func TestVerify_Classification(t *testing.T) {
	tests := []struct {
		name     string
		services []domain.ServiceStatus
		success  bool
		tail     int
	}{
		{
			name:     "one running service",
			services: []domain.ServiceStatus{{Service: "bot", State: "running", Healthy: true}},
			success:  true,
			tail:     20,
		},
		{
			name:     "no services",
			services: nil,
			success:  false,
			tail:     100,
		},
		{
			name: "all stopped",
			services: []domain.ServiceStatus{
				{Service: "bot", State: "exited"},
				{Service: "web", State: "restarting"},
			},
			success: false,
			tail:    100,
		},
		{
			name: "one of two running",
			services: []domain.ServiceStatus{
				{Service: "bot", State: "exited"},
				{Service: "web", State: "running"},
			},
			success: true,
			tail:    20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &fakeDriver{services: tt.services, logs: "log line\n"}
			sleeper := &recordingSleeper{}
			v := New(driver, sleeper.sleep, nil)

			result := v.Verify(context.Background(), "/opt/app", testOptions)

			assert.Equal(t, tt.success, result.Success)
			assert.Equal(t, tt.services, result.Services)
			assert.Equal(t, []int{tt.tail}, driver.tails)
			assert.Equal(t, "log line\n", result.Logs)
			assert.NotEmpty(t, result.Reason)
		})
	}
}

func TestVerify_SettlesBeforeQuerying(t *testing.T) {
	driver := &fakeDriver{services: []domain.ServiceStatus{{Service: "bot", State: "running"}}}
	var order []string
	sleep := func(_ context.Context, d time.Duration) error {
		assert.Equal(t, 0, driver.statusCalls, "status must not be queried before the settle delay")
		assert.Equal(t, 10*time.Second, d)
		order = append(order, "sleep")
		return nil
	}
	v := New(driver, sleep, nil)

	v.Verify(context.Background(), "/opt/app", testOptions)
	assert.Equal(t, []string{"sleep"}, order)
	assert.Equal(t, 1, driver.statusCalls)
}

func TestVerify_StatusErrorIsFailure(t *testing.T) {
	driver := &fakeDriver{statusErr: errors.New("daemon unreachable"), logs: "bot  | Traceback\n"}
	v := New(driver, (&recordingSleeper{}).sleep, nil)

	result := v.Verify(context.Background(), "/opt/app", testOptions)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "daemon unreachable")
	assert.Empty(t, result.Services)
	assert.Equal(t, []int{testOptions.FailureTailLines}, driver.tails)
	assert.Equal(t, "bot  | Traceback\n", result.Logs)
}

func TestVerify_StatusAndLogErrorsKeepReason(t *testing.T) {
	driver := &fakeDriver{statusErr: errors.New("daemon unreachable"), logsErr: errors.New("logs broke")}
	v := New(driver, (&recordingSleeper{}).sleep, nil)

	result := v.Verify(context.Background(), "/opt/app", testOptions)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "daemon unreachable")
	assert.Empty(t, result.Logs)
}

func TestVerify_LogErrorKeepsVerdict(t *testing.T) {
	driver := &fakeDriver{
		services: []domain.ServiceStatus{{Service: "bot", State: "running"}},
		logsErr:  errors.New("logs broke"),
	}
	v := New(driver, (&recordingSleeper{}).sleep, nil)

	result := v.Verify(context.Background(), "/opt/app", testOptions)
	assert.True(t, result.Success)
	assert.Empty(t, result.Logs)
}

func TestVerify_CancelledWhileSettling(t *testing.T) {
	driver := &fakeDriver{services: []domain.ServiceStatus{{Service: "bot", State: "running"}}}
	v := New(driver, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := v.Verify(ctx, "/opt/app", testOptions)
	assert.False(t, result.Success)
	assert.Equal(t, 0, driver.statusCalls)
}

// =============================================================================
// Sleep Tests
// =============================================================================

func TestSleep(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start = time.Now()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
