package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akarpov/warden/internal/audit"
	"github.com/akarpov/warden/internal/model"
	"github.com/akarpov/warden/internal/policy"
)

func newTestGateway(t *testing.T) (*Gateway, *audit.Trail) {
	t.Helper()
	trail := audit.NewTrail(nil)
	gw := New(policy.NewClassifier(policy.Default()), trail, nil, zap.NewNop().Sugar())
	return gw, trail
}

func mustAction(t *testing.T, category model.ActionCategory, name, description string, details map[string]string) model.Action {
	t.Helper()
	a, err := model.NewAction(category, name, description, details)
	require.NoError(t, err)
	return a
}

// waitPending polls until exactly one request is pending and returns it.
func waitPending(t *testing.T, gw *Gateway) model.ConfirmationRequest {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if pending := gw.Pending(); len(pending) == 1 {
			return pending[0]
		}
		select {
		case <-deadline:
			t.Fatal("no pending request appeared")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRequest_SafeAutoApproved(t *testing.T) {
	gw, trail := newTestGateway(t)

	a := mustAction(t, model.CategoryObservation, "analyze", "Analyze the goal", nil)
	d, err := gw.Request(context.Background(), a, Ref{}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeApproved, d.Outcome)
	assert.Equal(t, model.TierSafe, d.Tier)
	assert.Empty(t, d.RequestID)
	assert.Empty(t, gw.Pending())

	entries := trail.ExportAll()
	require.Len(t, entries, 1)
	assert.Equal(t, "auto_approved", entries[0].Outcome)
}

func TestRequest_BlockedAutoDenied(t *testing.T) {
	gw, trail := newTestGateway(t)

	a := mustAction(t, model.CategorySystemCommand, "run", "Clean everything with rm -rf /", nil)
	d, err := gw.Request(context.Background(), a, Ref{}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeDenied, d.Outcome)
	assert.Equal(t, model.TierBlocked, d.Tier)
	assert.Contains(t, d.Reason, "blocked pattern")

	// Blocked actions never create a pending request.
	assert.Empty(t, gw.Pending())
	assert.Empty(t, gw.History(0))

	entries := trail.ExportAll()
	require.Len(t, entries, 1)
	assert.Equal(t, "blocked", entries[0].Outcome)
}

func TestRequest_ApproveFlow(t *testing.T) {
	gw, trail := newTestGateway(t)

	a := mustAction(t, model.CategoryFileOperation, "write_file", "Write report", map[string]string{"path": "/tmp/r.txt"})

	type result struct {
		d   model.Decision
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		d, err := gw.Request(context.Background(), a, Ref{PlanID: "plan_1", TaskID: "step_0"}, 5*time.Second)
		resCh <- result{d, err}
	}()

	req := waitPending(t, gw)
	assert.Equal(t, model.TierWarning, req.Tier)
	assert.Equal(t, "plan_1", req.PlanID)
	assert.Equal(t, "step_0", req.TaskID)

	require.NoError(t, gw.SubmitResponse(req.ID, true, "alice"))

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, model.OutcomeApproved, res.d.Outcome)
	assert.Equal(t, "alice", res.d.Resolver)
	assert.Equal(t, req.ID, res.d.RequestID)

	assert.Empty(t, gw.Pending())
	history := gw.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, model.RequestApproved, history[0].Status)

	outcomes := make([]string, 0)
	for _, e := range trail.ExportAll() {
		outcomes = append(outcomes, e.Outcome)
	}
	assert.Equal(t, []string{"requested", "approved"}, outcomes)
}

func TestRequest_DenyFlow(t *testing.T) {
	gw, _ := newTestGateway(t)

	a := mustAction(t, model.CategorySystemCommand, "run", "Restart the service", nil)
	resCh := make(chan model.Decision, 1)
	go func() {
		d, _ := gw.Request(context.Background(), a, Ref{}, 5*time.Second)
		resCh <- d
	}()

	req := waitPending(t, gw)
	require.NoError(t, gw.SubmitResponse(req.ID, false, ""))

	d := <-resCh
	assert.Equal(t, model.OutcomeDenied, d.Outcome)
	assert.Equal(t, model.ActorUser, d.Resolver)
	assert.Contains(t, d.Reason, "denied by user")
}

func TestRequest_DangerCarriesCriticalMarker(t *testing.T) {
	gw, _ := newTestGateway(t)

	a := mustAction(t, model.CategoryFileOperation, "delete_system_file", "Remove service unit", nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := gw.Request(context.Background(), a, Ref{}, 5*time.Second)
		errCh <- err
	}()

	req := waitPending(t, gw)
	require.NoError(t, gw.SubmitResponse(req.ID, false, "bob"))
	require.NoError(t, <-errCh)

	history := gw.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, model.TierDanger, history[0].Tier)
	assert.Equal(t, policy.CriticalMarker+"Remove service unit", history[0].Action.Description)
}

func TestRequest_Timeout(t *testing.T) {
	gw, _ := newTestGateway(t)

	a := mustAction(t, model.CategoryNetworkAccess, "fetch", "Call external service", nil)
	start := time.Now()
	d, err := gw.Request(context.Background(), a, Ref{}, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeTimedOut, d.Outcome)
	assert.False(t, d.Outcome.Approved())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, gw.Pending())

	history := gw.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, model.RequestTimedOut, history[0].Status)
}

func TestRequest_ContextCancelled(t *testing.T) {
	gw, _ := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	a := mustAction(t, model.CategorySystemCommand, "run", "Long running maintenance", nil)

	resCh := make(chan model.Decision, 1)
	go func() {
		d, _ := gw.Request(ctx, a, Ref{}, time.Minute)
		resCh <- d
	}()

	waitPending(t, gw)
	cancel()

	d := <-resCh
	assert.Equal(t, model.OutcomeDenied, d.Outcome)
	assert.Contains(t, d.Reason, "cancelled")
}

func TestSubmitResponse_ExactlyOnce(t *testing.T) {
	gw, _ := newTestGateway(t)

	a := mustAction(t, model.CategorySystemCommand, "run", "Apply migration", nil)
	resCh := make(chan model.Decision, 1)
	go func() {
		d, _ := gw.Request(context.Background(), a, Ref{}, 5*time.Second)
		resCh <- d
	}()

	req := waitPending(t, gw)
	require.NoError(t, gw.SubmitResponse(req.ID, true, "alice"))

	// Duplicate and contradictory responses fail without changing the outcome.
	err := gw.SubmitResponse(req.ID, false, "mallory")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	d := <-resCh
	assert.Equal(t, model.OutcomeApproved, d.Outcome)
	assert.Equal(t, "alice", d.Resolver)

	// Late response after the request left the pending set.
	err = gw.SubmitResponse(req.ID, false, "mallory")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestSubmitResponse_ConcurrentSingleWinner(t *testing.T) {
	gw, _ := newTestGateway(t)

	a := mustAction(t, model.CategorySystemCommand, "run", "Tag the release", nil)
	resCh := make(chan model.Decision, 1)
	go func() {
		d, _ := gw.Request(context.Background(), a, Ref{}, 5*time.Second)
		resCh <- d
	}()

	req := waitPending(t, gw)

	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			if err := gw.SubmitResponse(req.ID, approve, "racer"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrNotFound))
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes)
	<-resCh
}

func TestSubmitResponse_UnknownID(t *testing.T) {
	gw, _ := newTestGateway(t)
	err := gw.SubmitResponse("req_0000000000_deadbeef", true, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDenyPlan(t *testing.T) {
	gw, _ := newTestGateway(t)

	launch := func(planID string) chan model.Decision {
		ch := make(chan model.Decision, 1)
		a := mustAction(t, model.CategorySystemCommand, "run", "Step for "+planID, nil)
		go func() {
			d, _ := gw.Request(context.Background(), a, Ref{PlanID: planID}, 5*time.Second)
			ch <- d
		}()
		return ch
	}

	ch1 := launch("plan_a")
	ch2 := launch("plan_a")
	ch3 := launch("plan_b")

	deadline := time.After(2 * time.Second)
	for len(gw.Pending()) < 3 {
		select {
		case <-deadline:
			t.Fatal("requests did not become pending")
		case <-time.After(5 * time.Millisecond):
		}
	}

	denied := gw.DenyPlan("plan_a", "plan cancelled")
	assert.Equal(t, 2, denied)

	d1, d2 := <-ch1, <-ch2
	assert.Equal(t, model.OutcomeDenied, d1.Outcome)
	assert.Equal(t, model.OutcomeDenied, d2.Outcome)

	// plan_b stays pending until answered.
	require.Len(t, gw.Pending(), 1)
	req := gw.Pending()[0]
	assert.Equal(t, "plan_b", req.PlanID)
	require.NoError(t, gw.SubmitResponse(req.ID, true, "alice"))
	assert.Equal(t, model.OutcomeApproved, (<-ch3).Outcome)
}

func TestDenyAll(t *testing.T) {
	gw, _ := newTestGateway(t)

	chans := make([]chan model.Decision, 0, 3)
	for i := 0; i < 3; i++ {
		ch := make(chan model.Decision, 1)
		a := mustAction(t, model.CategorySystemCommand, "run", "Queued step", nil)
		go func() {
			d, _ := gw.Request(context.Background(), a, Ref{}, 5*time.Second)
			ch <- d
		}()
		chans = append(chans, ch)
	}

	deadline := time.After(2 * time.Second)
	for len(gw.Pending()) < 3 {
		select {
		case <-deadline:
			t.Fatal("requests did not become pending")
		case <-time.After(5 * time.Millisecond):
		}
	}

	assert.Equal(t, 3, gw.DenyAll("daemon shutting down"))
	for _, ch := range chans {
		assert.Equal(t, model.OutcomeDenied, (<-ch).Outcome)
	}
	assert.Empty(t, gw.Pending())
}

func TestPending_SortedAndSnapshot(t *testing.T) {
	gw, _ := newTestGateway(t)

	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		a := mustAction(t, model.CategorySystemCommand, "run", "Step", nil)
		go func() {
			_, _ = gw.Request(context.Background(), a, Ref{}, 5*time.Second)
			done <- struct{}{}
		}()
	}

	deadline := time.After(2 * time.Second)
	for len(gw.Pending()) < 3 {
		select {
		case <-deadline:
			t.Fatal("requests did not become pending")
		case <-time.After(5 * time.Millisecond):
		}
	}

	pending := gw.Pending()
	for i := 1; i < len(pending); i++ {
		assert.False(t, pending[i].CreatedAt.Before(pending[i-1].CreatedAt))
	}

	assert.Equal(t, 3, gw.DenyAll("cleanup"))
	for i := 0; i < 3; i++ {
		<-done
	}
}

// Requests raised one after another come back from Pending in creation
// order, not in the order of their random id suffixes.
func TestPending_OrderedByCreation(t *testing.T) {
	gw, _ := newTestGateway(t)

	done := make(chan struct{}, 3)
	descs := []string{"Stage the files", "Apply the changes", "Report the outcome"}
	for i, desc := range descs {
		a := mustAction(t, model.CategorySystemCommand, "run", desc, nil)
		go func() {
			_, _ = gw.Request(context.Background(), a, Ref{}, 5*time.Second)
			done <- struct{}{}
		}()
		deadline := time.After(2 * time.Second)
		for len(gw.Pending()) < i+1 {
			select {
			case <-deadline:
				t.Fatal("request did not become pending")
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	pending := gw.Pending()
	require.Len(t, pending, 3)
	for i, desc := range descs {
		assert.Equal(t, desc, pending[i].Action.Description)
	}

	assert.Equal(t, 3, gw.DenyAll("cleanup"))
	for i := 0; i < 3; i++ {
		<-done
	}
}

// A response must take effect atomically: by the time SubmitResponse
// returns, the request is gone from Pending and recorded in History even if
// the waiting caller has not resumed yet.
func TestSubmitResponse_ImmediatelyLeavesPending(t *testing.T) {
	gw, _ := newTestGateway(t)

	a := mustAction(t, model.CategorySystemCommand, "run", "Rotate credentials", nil)
	done := make(chan struct{})
	go func() {
		_, _ = gw.Request(context.Background(), a, Ref{}, 5*time.Second)
		close(done)
	}()

	req := waitPending(t, gw)
	require.NoError(t, gw.SubmitResponse(req.ID, true, "alice"))

	assert.Empty(t, gw.Pending())
	history := gw.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, req.ID, history[0].ID)
	assert.Equal(t, model.RequestApproved, history[0].Status)
	<-done
}

func TestHistory_Limit(t *testing.T) {
	gw, _ := newTestGateway(t)

	for i := 0; i < 4; i++ {
		a := mustAction(t, model.CategorySystemCommand, "run", "Step", nil)
		ch := make(chan struct{})
		go func() {
			_, _ = gw.Request(context.Background(), a, Ref{}, 5*time.Second)
			close(ch)
		}()
		req := waitPending(t, gw)
		require.NoError(t, gw.SubmitResponse(req.ID, true, "alice"))
		<-ch
	}

	assert.Len(t, gw.History(0), 4)
	assert.Len(t, gw.History(2), 2)
	assert.Len(t, gw.History(100), 4)
}
