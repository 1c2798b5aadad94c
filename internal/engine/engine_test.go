package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/raid"
)

const project = "proj-1"

func newTestEngine(t *testing.T, store *memStore) *Engine {
	t.Helper()
	e := New(store, cache.New(), Options{})
	require.NoError(t, e.Load(context.Background(), project))
	return e
}

func risk(id string) raid.Record {
	return raid.Record{
		ID:          id,
		ProjectID:   project,
		Type:        raid.TypeRisk,
		Description: "Vendor slips",
		OwnerLabel:  "Ana",
		Status:      raid.StatusOpen,
		Probability: 40,
		Severity:    60,
	}
}

func TestCreateThenPatchRecomputesScore(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	created, err := e.Create(ctx, raid.Record{
		ProjectID:   project,
		Type:        raid.TypeRisk,
		OwnerLabel:  "Ana",
		Probability: 50,
		Severity:    50,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSaved, created.Outcome)

	cached, ok := e.Cache().Get(created.ID)
	require.True(t, ok)
	require.Equal(t, 25, cached.Score())
	require.Equal(t, raid.Untitled, cached.Description)

	result, err := e.Apply(ctx, created.ID, raid.Patch{Severity: raid.Ptr(90)})
	require.NoError(t, err)
	require.Equal(t, OutcomeSaved, result.Outcome)

	cached, _ = e.Cache().Get(created.ID)
	require.Equal(t, 45, cached.Score())
	require.Equal(t, store.record(created.ID).UpdatedAt, cached.UpdatedAt)
}

func TestBackToBackPatchesAreSerialized(t *testing.T) {
	store := newMemStore(risk("r1"))
	e := newTestEngine(t, store)
	ctx := context.Background()
	initial := store.record("r1").UpdatedAt

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	store.beforePatch = func(string) {
		entered <- struct{}{}
		<-release
	}

	type outcome struct {
		result Result
		err    error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		r, err := e.Apply(ctx, "r1", raid.Patch{OwnerLabel: raid.Ptr("First")})
		first <- outcome{r, err}
	}()
	<-entered

	e.mu.Lock()
	firstTail := e.tails["r1"]
	e.mu.Unlock()

	go func() {
		r, err := e.Apply(ctx, "r1", raid.Patch{OwnerLabel: raid.Ptr("Second")})
		second <- outcome{r, err}
	}()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.tails["r1"] != firstTail
	}, time.Second, time.Millisecond)

	close(release)
	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	require.Equal(t, OutcomeSaved, a.result.Outcome)
	require.Equal(t, OutcomeSaved, b.result.Outcome)

	require.Len(t, store.patches, 2)
	require.Equal(t, initial, store.patches[0].Expected)
	require.Equal(t, a.result.Record.UpdatedAt, store.patches[1].Expected)

	cached, _ := e.Cache().Get("r1")
	require.Equal(t, "Second", cached.OwnerLabel)
	require.Empty(t, e.Cache().StaleIDs())
}

func TestConflictReconcilesWithoutNotice(t *testing.T) {
	store := newMemStore(risk("r1"))
	e := newTestEngine(t, store)
	ctx := context.Background()

	// another operator writes after our load
	theirs := store.bump("r1", raid.Patch{Description: raid.Ptr("Vendor slips badly")})

	result, err := e.Apply(ctx, "r1", raid.Patch{Severity: raid.Ptr(95)})
	require.NoError(t, err)
	require.Equal(t, OutcomeReconciled, result.Outcome)
	require.Len(t, store.patches, 1)
	require.NotEqual(t, theirs.UpdatedAt, store.patches[0].Expected)

	cached, _ := e.Cache().Get("r1")
	if diff := cmp.Diff(theirs, cached); diff != "" {
		t.Fatalf("cache should hold the server copy (-want +got):\n%s", diff)
	}
	_, stale := e.Cache().Stale("r1")
	require.False(t, stale)
	require.Empty(t, e.Notices().Active())
}

func TestConflictWithFailedRefetchStaysStale(t *testing.T) {
	store := newMemStore(risk("r1"))
	e := newTestEngine(t, store)
	ctx := context.Background()

	store.bump("r1", raid.Patch{Severity: raid.Ptr(10)})
	store.getErr = errors.New("gateway timeout")

	result, err := e.Apply(ctx, "r1", raid.Patch{Severity: raid.Ptr(95)})
	require.NoError(t, err)
	require.Equal(t, OutcomeStale, result.Outcome)
	stale, ok := e.Cache().Stale("r1")
	require.True(t, ok)
	require.NotEmpty(t, stale.Reason)

	store.getErr = nil
	retried, err := e.Retry(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, OutcomeReconciled, retried.Outcome)
	require.Equal(t, 10, retried.Record.Severity)
	_, ok = e.Cache().Stale("r1")
	require.False(t, ok)
}

func TestBlankOwnerNeverReachesStore(t *testing.T) {
	store := newMemStore(risk("r1"))
	e := newTestEngine(t, store)

	result, err := e.Apply(context.Background(), "r1", raid.Patch{OwnerLabel: raid.Ptr("  ")})
	require.Error(t, err)
	require.Equal(t, KindValidation, Kind(err))
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Empty(t, store.patches)

	cached, _ := e.Cache().Get("r1")
	require.Equal(t, "Ana", cached.OwnerLabel)
}

func TestInvalidStatusIsWrittenAsClosed(t *testing.T) {
	store := newMemStore(risk("r1"))
	e := newTestEngine(t, store)

	_, err := e.Apply(context.Background(), "r1", raid.Patch{Status: raid.Ptr(raid.StatusInvalid)})
	require.NoError(t, err)
	require.Equal(t, raid.StatusClosed, *store.patches[0].Patch.Status)
	require.Equal(t, raid.StatusClosed, store.record("r1").Status)
}

func TestGenericFailureKeepsLocalEdit(t *testing.T) {
	store := newMemStore(risk("r1"))
	e := newTestEngine(t, store)
	store.patchErr = &raid.RequestError{Op: "patch", Status: 502, Err: errors.New("bad gateway")}

	result, err := e.Apply(context.Background(), "r1", raid.Patch{Description: raid.Ptr("typed text")})
	require.Error(t, err)
	require.Equal(t, KindRequest, Kind(err))
	require.Equal(t, OutcomeFailed, result.Outcome)

	cached, _ := e.Cache().Get("r1")
	require.Equal(t, "typed text", cached.Description)
	notices := e.Notices().Active()
	require.Len(t, notices, 1)
	require.Equal(t, NoticeError, notices[0].Kind)
	_, stale := e.Cache().Stale("r1")
	require.False(t, stale)
}

func TestApplyingSamePatchTwiceIsIdempotent(t *testing.T) {
	once := newMemStore(risk("r1"))
	twice := newMemStore(risk("r1"))
	patch := raid.Patch{Severity: raid.Ptr(70), Status: raid.Ptr(raid.StatusInProgress), Priority: raid.Ptr(raid.PriorityHigh)}
	ctx := context.Background()

	e1 := newTestEngine(t, once)
	_, err := e1.Apply(ctx, "r1", patch)
	require.NoError(t, err)

	e2 := newTestEngine(t, twice)
	_, err = e2.Apply(ctx, "r1", patch)
	require.NoError(t, err)
	_, err = e2.Apply(ctx, "r1", patch)
	require.NoError(t, err)

	a, _ := e1.Cache().Get("r1")
	b, _ := e2.Cache().Get("r1")
	if diff := cmp.Diff(a, b, cmpopts.IgnoreFields(raid.Record{}, "UpdatedAt")); diff != "" {
		t.Fatalf("final state differs (-once +twice):\n%s", diff)
	}
}

func TestCreateFailureRemovesTemporaryEntry(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	store.createErr = errors.New("unavailable")

	result, err := e.Create(context.Background(), raid.Record{ProjectID: project, Type: raid.TypeIssue, OwnerLabel: "Ana"})
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, 0, e.Cache().Len())
	require.Len(t, e.Notices().Active(), 1)
}

func TestCreateRejectsMissingOwner(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	result, err := e.Create(context.Background(), raid.Record{Type: raid.TypeIssue})
	require.Equal(t, KindValidation, Kind(err))
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, 0, e.Cache().Len())
}

func TestDeleteConflictReinsertsAndReconciles(t *testing.T) {
	a, b, c := risk("r1"), risk("r2"), risk("r3")
	store := newMemStore(a, b, c)
	e := newTestEngine(t, store)
	ctx := context.Background()
	before := ids(e.Cache().Group(raid.TypeRisk))

	store.bump("r2", raid.Patch{OwnerLabel: raid.Ptr("Other")})

	result, err := e.Delete(ctx, "r2")
	require.NoError(t, err)
	require.Equal(t, OutcomeReconciled, result.Outcome)

	cached, ok := e.Cache().Get("r2")
	require.True(t, ok)
	require.Equal(t, "Other", cached.OwnerLabel)
	require.Len(t, e.Cache().Group(raid.TypeRisk), 3)
	require.ElementsMatch(t, before, ids(e.Cache().Group(raid.TypeRisk)))
	require.Empty(t, e.Notices().Active())
}

func TestDeleteFailureReinsertsFlaggedStale(t *testing.T) {
	store := newMemStore(risk("r1"), risk("r2"))
	e := newTestEngine(t, store)
	store.deleteErr = errors.New("connection reset")

	result, err := e.Delete(context.Background(), "r1")
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	_, ok := e.Cache().Get("r1")
	require.True(t, ok)
	_, stale := e.Cache().Stale("r1")
	require.True(t, stale)
	require.Len(t, e.Notices().Active(), 1)
}

func TestDeleteWaitsForPatchInFlight(t *testing.T) {
	store := newMemStore(risk("r1"))
	e := newTestEngine(t, store)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	store.beforePatch = func(string) {
		close(entered)
		<-release
	}

	patched := make(chan Result, 1)
	go func() {
		r, _ := e.Apply(ctx, "r1", raid.Patch{Severity: raid.Ptr(80)})
		patched <- r
	}()
	<-entered

	deleted := make(chan Result, 1)
	go func() {
		r, _ := e.Delete(ctx, "r1")
		deleted <- r
	}()
	require.Eventually(t, func() bool {
		_, ok := e.Cache().Get("r1")
		return !ok
	}, time.Second, time.Millisecond)

	close(release)
	p := <-patched
	require.Equal(t, OutcomeSaved, p.Outcome)
	require.Equal(t, OutcomeSaved, (<-deleted).Outcome)

	require.Len(t, store.deletes, 1)
	require.Equal(t, p.Record.UpdatedAt, store.deletes[0].Expected)
	_, ok := e.Cache().Get("r1")
	require.False(t, ok, "a patch landing during delete must not resurrect the record")
}

func TestTemporaryIDIsForgottenOnceCreateSettles(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	created, err := e.Create(ctx, raid.Record{ProjectID: project, Type: raid.TypeRisk, OwnerLabel: "Ana"})
	require.NoError(t, err)

	e.mu.Lock()
	require.Empty(t, e.temps)
	require.Empty(t, e.tails)
	e.mu.Unlock()

	result, err := e.Apply(ctx, created.ID, raid.Patch{Severity: raid.Ptr(30)})
	require.NoError(t, err)
	require.Equal(t, OutcomeSaved, result.Outcome)
	require.Equal(t, 30, store.record(created.ID).Severity)
}

// blockCreate makes the next Create wait until the returned release is
// called and reports the temporary id shown while it waits.
func blockCreate(t *testing.T, e *Engine, store *memStore) (created <-chan Result, tempID string, release func()) {
	t.Helper()
	entered := make(chan struct{})
	gate := make(chan struct{})
	store.beforeCreate = func() {
		close(entered)
		<-gate
	}
	out := make(chan Result, 1)
	go func() {
		r, _ := e.Create(context.Background(), raid.Record{ProjectID: project, Type: raid.TypeRisk, OwnerLabel: "Ana", Severity: 40})
		out <- r
	}()
	<-entered
	ids := e.Cache().IDs()
	require.Len(t, ids, 1)
	return out, ids[0], func() { close(gate) }
}

func TestDeleteDuringCreateDeletesServerRecord(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	created, tempID, release := blockCreate(t, e, store)

	deleted := make(chan Result, 1)
	deleteErr := make(chan error, 1)
	go func() {
		r, err := e.Delete(context.Background(), tempID)
		deleted <- r
		deleteErr <- err
	}()
	require.Eventually(t, func() bool { return e.Cache().Len() == 0 }, time.Second, time.Millisecond)

	release()
	c := <-created
	require.Equal(t, OutcomeSaved, c.Outcome)
	d := <-deleted
	require.NoError(t, <-deleteErr)
	require.Equal(t, OutcomeSaved, d.Outcome)
	require.Equal(t, c.Record.ID, d.ID)

	require.Len(t, store.deletes, 1)
	require.Equal(t, c.Record.ID, store.deletes[0].ID)
	require.Equal(t, c.Record.UpdatedAt, store.deletes[0].Expected)
	require.Empty(t, store.records)
	require.Zero(t, e.Cache().Len())
	require.Empty(t, e.Cache().StaleIDs())

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Empty(t, e.temps)
	require.Empty(t, e.deleting)
}

func TestDeleteDuringFailedCreateSendsNothing(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	store.createErr = errors.New("store unavailable")
	created, tempID, release := blockCreate(t, e, store)

	deleted := make(chan Result, 1)
	go func() {
		r, _ := e.Delete(context.Background(), tempID)
		deleted <- r
	}()
	require.Eventually(t, func() bool { return e.Cache().Len() == 0 }, time.Second, time.Millisecond)

	release()
	require.Equal(t, OutcomeFailed, (<-created).Outcome)
	require.Equal(t, OutcomeSaved, (<-deleted).Outcome)
	require.Empty(t, store.deletes)
	require.Zero(t, e.Cache().Len())
}

func TestPatchStagedDuringCreateSurvivesServerCopy(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	created, tempID, release := blockCreate(t, e, store)

	normalized, err := e.Stage(tempID, raid.Patch{Severity: raid.Ptr(90)})
	require.NoError(t, err)
	staged, _ := e.Cache().Get(tempID)
	require.Equal(t, 90, staged.Severity)

	release()
	c := <-created
	require.Equal(t, OutcomeSaved, c.Outcome)
	require.Equal(t, 40, c.Record.Severity)

	shown, ok := e.Cache().Get(c.Record.ID)
	require.True(t, ok)
	require.Equal(t, 90, shown.Severity, "the staged edit stays visible until its push lands")
	require.Equal(t, c.Record.UpdatedAt, shown.UpdatedAt)

	result, err := e.Push(context.Background(), tempID, normalized)
	require.NoError(t, err)
	require.Equal(t, OutcomeSaved, result.Outcome)
	require.Equal(t, c.Record.ID, result.ID)

	require.Len(t, store.patches, 1)
	require.Equal(t, c.Record.ID, store.patches[0].ID)
	require.Equal(t, c.Record.UpdatedAt, store.patches[0].Expected)
	require.Equal(t, 90, store.record(c.Record.ID).Severity)

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Empty(t, e.temps)
}

func TestPatchQueuedBehindCreateGoesToServerID(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	created, tempID, release := blockCreate(t, e, store)

	patched := make(chan Result, 1)
	go func() {
		r, _ := e.Apply(context.Background(), tempID, raid.Patch{OwnerLabel: raid.Ptr("Bo")})
		patched <- r
	}()
	require.Eventually(t, func() bool {
		record, _ := e.Cache().Get(tempID)
		return record.OwnerLabel == "Bo"
	}, time.Second, time.Millisecond)

	release()
	c := <-created
	p := <-patched
	require.Equal(t, OutcomeSaved, p.Outcome)
	require.Equal(t, c.Record.ID, p.ID)
	require.Equal(t, "Bo", store.record(c.Record.ID).OwnerLabel)
}

func TestEnrichReportsFailureButRefreshIsSilent(t *testing.T) {
	store := newMemStore(risk("r1"))
	e := newTestEngine(t, store)
	ctx := context.Background()

	store.refreshErr = errors.New("model overloaded")
	_, err := e.Refresh(ctx, "r1")
	require.Error(t, err)
	require.Empty(t, e.Notices().Active())

	_, err = e.Enrich(ctx, "r1")
	require.Error(t, err)
	require.Len(t, e.Notices().Active(), 1)

	store.refreshErr = nil
	record, err := e.Enrich(ctx, "r1")
	require.NoError(t, err)
	require.False(t, record.AIDirty)
	cached, _ := e.Cache().Get("r1")
	require.Equal(t, "refreshed", cached.AI().Summary)
}

func TestNoticesExpire(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notices := newNotices(4*time.Second, func() time.Time { return now })
	notices.failure("boom")
	notices.success("ok")
	require.Len(t, notices.Active(), 2)

	notices.Dismiss(notices.Active()[1].ID)
	require.Len(t, notices.Active(), 1)

	now = now.Add(5 * time.Second)
	require.Empty(t, notices.Active())
}

func ids(records []raid.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
