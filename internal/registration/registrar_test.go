package registration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/conference-registration/internal/database"
	"github.com/iliyamo/conference-registration/internal/identity"
	"github.com/iliyamo/conference-registration/internal/model"
	"github.com/iliyamo/conference-registration/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLinker struct {
	mu      sync.Mutex
	account LinkedAccount
	err     error
	calls   int
}

func (l *fakeLinker) Link(_ context.Context, _ string) (LinkedAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return LinkedAccount{}, l.err
	}
	return l.account, nil
}

func (l *fakeLinker) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type fakeGranter struct {
	mu     sync.Mutex
	err    error
	grants []MembershipGrant
}

func (g *fakeGranter) Grant(_ context.Context, m MembershipGrant) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants = append(g.grants, m)
	return g.err
}

type fakeRetries struct {
	published []Completion
}

func (f *fakeRetries) PublishGrantRetry(_ context.Context, c Completion, _ string) error {
	f.published = append(f.published, c)
	return nil
}

type harness struct {
	repo    *repository.RegistrationRepo
	clock   *fakeClock
	linker  *fakeLinker
	granter *fakeGranter
	retries *fakeRetries
	reg     *Registrar
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.Open(database.Options{
		Driver: database.DriverSQLite,
		Name:   filepath.Join(t.TempDir(), "precord.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, database.DriverSQLite))
	repo, err := repository.NewRegistrationRepo(db, database.DriverSQLite)
	require.NoError(t, err)

	h := &harness{
		repo:    repo,
		clock:   &fakeClock{now: time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)},
		linker:  &fakeLinker{account: LinkedAccount{AccountID: "99", AccessToken: "access"}},
		granter: &fakeGranter{},
		retries: &fakeRetries{},
	}
	h.reg = New(repo, h.linker, h.granter, Options{
		TokenLifetime: 30 * time.Minute,
		Clock:         h.clock.Now,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retries:       h.retries,
	})
	return h
}

func (h *harness) pendingRows(t *testing.T) []model.PendingRegistration {
	t.Helper()
	rows, err := h.repo.RecentPending(context.Background(), 100)
	require.NoError(t, err)
	return rows
}

func coreTeamTicket() model.TicketAssertion {
	return model.TicketAssertion{
		TicketPosition: model.TicketPosition{OrderCode: "ABC1", Position: 1},
		ItemIDs:        []int64{569202},
		Answers:        map[string]string{"team": "Core Team", "primary_name": "Ada", "additional_names": "J."},
	}
}

func TestBeginComplete_Scenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coreRole := identity.DefaultRoleTable().Roles["core"]

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)
	assert.False(t, begin.AlreadyActive)
	assert.Len(t, begin.StateToken, identity.StateTokenLength)
	assert.Equal(t, []int64{coreRole}, begin.Roles)
	startedAt := h.clock.Now()

	h.clock.Advance(5 * time.Minute)
	done, err := h.reg.Complete(ctx, begin.StateToken, "code")
	require.NoError(t, err)
	assert.Equal(t, "99", done.AccountID)
	assert.Equal(t, "access", done.AccessToken)
	assert.Equal(t, []int64{coreRole}, done.Roles)
	require.NotNil(t, done.Nickname)
	assert.Equal(t, "Ada J.", *done.Nickname)

	active, err := h.repo.FindActive(ctx, model.TicketPosition{OrderCode: "ABC1", Position: 1})
	require.NoError(t, err)
	assert.Equal(t, "99", active.AccountID)
	assert.Equal(t, []int64{coreRole}, active.Roles)
	// created_at is carried over from the pending row.
	assert.True(t, startedAt.Equal(active.CreatedAt), "created_at %v, want %v", active.CreatedAt, startedAt)
	assert.Empty(t, h.pendingRows(t))

	require.NoError(t, h.reg.Grant(ctx, done))
	require.Len(t, h.granter.grants, 1)
	assert.Equal(t, "access", h.granter.grants[0].AccessToken)
	assert.Equal(t, []int64{coreRole}, h.granter.grants[0].Roles)
}

func TestBegin_TwiceOnlySecondTokenCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)
	second, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)
	require.NotEqual(t, first.StateToken, second.StateToken)

	require.Len(t, h.pendingRows(t), 1)

	_, err = h.reg.Complete(ctx, first.StateToken, "code")
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 0, h.linker.Calls())

	_, err = h.reg.Complete(ctx, second.StateToken, "code")
	require.NoError(t, err)
}

func TestComplete_TokenIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)

	_, err = h.reg.Complete(ctx, begin.StateToken, "code")
	require.NoError(t, err)

	_, err = h.reg.Complete(ctx, begin.StateToken, "code")
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 1, h.linker.Calls())
}

func TestComplete_Expired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)

	h.clock.Advance(31 * time.Minute)
	_, err = h.reg.Complete(ctx, begin.StateToken, "code")
	require.ErrorIs(t, err, ErrExpired)

	assert.Equal(t, 0, h.linker.Calls())
	assert.Empty(t, h.pendingRows(t))
	_, err = h.repo.FindActive(ctx, coreTeamTicket().TicketPosition)
	require.ErrorIs(t, err, repository.ErrActiveNotFound)

	// The expired token was consumed.
	_, err = h.reg.Complete(ctx, begin.StateToken, "code")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestComplete_AtLifetimeBoundaryStillValid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	_, err = h.reg.Complete(ctx, begin.StateToken, "code")
	require.NoError(t, err)
}

func TestComplete_NeverIssuedToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)

	_, err = h.reg.Complete(ctx, "never-issued-token-xxxx", "code")
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 0, h.linker.Calls())
	assert.Len(t, h.pendingRows(t), 1)
}

func TestBegin_AlreadyActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)
	_, err = h.reg.Complete(ctx, begin.StateToken, "code")
	require.NoError(t, err)

	again, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)
	assert.True(t, again.AlreadyActive)
	assert.Empty(t, again.StateToken)
	assert.Empty(t, h.pendingRows(t))
}

func TestBegin_RepeatAfterLifetimeInvalidatesOriginalToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)

	h.clock.Advance(31 * time.Minute)
	_, err = h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)

	_, err = h.reg.Complete(ctx, first.StateToken, "code")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestBegin_UnknownTeam(t *testing.T) {
	h := newHarness(t)
	ticket := coreTeamTicket()
	ticket.Answers["team"] = "Catering"

	_, err := h.reg.Begin(context.Background(), ticket)
	require.ErrorIs(t, err, ErrUnknownTeam)
	assert.Empty(t, h.pendingRows(t))
}

func TestComplete_LinkingFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.linker.err = errors.Join(ErrLinkExchangeFailed, errors.New("invalid_grant"))

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)

	_, err = h.reg.Complete(ctx, begin.StateToken, "code")
	require.ErrorIs(t, err, ErrLinkingFailed)
	require.ErrorIs(t, err, ErrLinkExchangeFailed)

	assert.Empty(t, h.pendingRows(t))
	_, err = h.repo.FindActive(ctx, coreTeamTicket().TicketPosition)
	require.ErrorIs(t, err, repository.ErrActiveNotFound)
}

func TestGrant_FailureKeepsActiveAndQueuesRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.granter.err = errors.New("discord said no")

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)
	done, err := h.reg.Complete(ctx, begin.StateToken, "code")
	require.NoError(t, err)

	err = h.reg.Grant(ctx, done)
	require.ErrorIs(t, err, ErrGrantFailed)

	_, err = h.repo.FindActive(ctx, coreTeamTicket().TicketPosition)
	require.NoError(t, err)
	require.Len(t, h.retries.published, 1)
	assert.Equal(t, "99", h.retries.published[0].AccountID)
	assert.Equal(t, "access", h.retries.published[0].AccessToken)
}

func TestGrant_RejectedIsNotQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.granter.err = fmt.Errorf("%w: HTTP 403", ErrGrantRejected)

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)
	done, err := h.reg.Complete(ctx, begin.StateToken, "code")
	require.NoError(t, err)

	err = h.reg.Grant(ctx, done)
	require.ErrorIs(t, err, ErrGrantFailed)
	require.ErrorIs(t, err, ErrGrantRejected)
	assert.Empty(t, h.retries.published)
}

func TestRetryGrant_UsesStoredRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := model.TicketPosition{OrderCode: "XYZ9", Position: 3}
	nick := "Grace"
	require.NoError(t, h.repo.UpsertActive(ctx, model.ActiveRegistration{
		TicketPosition: pos, AccountID: "42", CreatedAt: h.clock.Now(), Nickname: &nick, Roles: []int64{5, 6},
	}))

	require.NoError(t, h.reg.RetryGrant(ctx, pos, ""))
	require.Len(t, h.granter.grants, 1)
	g := h.granter.grants[0]
	assert.Equal(t, "42", g.AccountID)
	assert.Empty(t, g.AccessToken)
	assert.Equal(t, []int64{5, 6}, g.Roles)
	require.NotNil(t, g.Nickname)
	assert.Equal(t, "Grace", *g.Nickname)

	err := h.reg.RetryGrant(ctx, model.TicketPosition{OrderCode: "NOPE", Position: 1}, "")
	require.ErrorIs(t, err, repository.ErrActiveNotFound)
}

func TestRetryGrant_FailedAddIsRetriedAsAdd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.granter.err = fmt.Errorf("%w: HTTP 503", ErrGrantFailed)

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)
	done, err := h.reg.Complete(ctx, begin.StateToken, "code")
	require.NoError(t, err)
	require.ErrorIs(t, h.reg.Grant(ctx, done), ErrGrantFailed)
	require.Len(t, h.retries.published, 1)
	queued := h.retries.published[0]

	h.granter.err = nil
	require.NoError(t, h.reg.RetryGrant(ctx, queued.TicketPosition, queued.AccessToken))
	require.Len(t, h.granter.grants, 2)
	retry := h.granter.grants[1]
	assert.Equal(t, "99", retry.AccountID)
	assert.Equal(t, "access", retry.AccessToken)
	assert.Equal(t, h.granter.grants[0].Roles, retry.Roles)
}

func TestBegin_StoreUnavailable(t *testing.T) {
	db, err := database.Open(database.Options{
		Driver: database.DriverSQLite,
		Name:   filepath.Join(t.TempDir(), "precord.db"),
	})
	require.NoError(t, err)
	repo, err := repository.NewRegistrationRepo(db, database.DriverSQLite)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reg := New(repo, &fakeLinker{}, &fakeGranter{}, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	_, err = reg.Begin(context.Background(), coreTeamTicket())
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = reg.Complete(context.Background(), "token", "code")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestComplete_ConcurrentSameToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	begin, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.reg.Complete(ctx, begin.StateToken, "code")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidToken):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, invalid)
	assert.Equal(t, 1, h.linker.Calls())
}

// restartingStore runs a fresh Begin between the token lookup and the
// delete, the window a racing restart would hit.
type restartingStore struct {
	Store
	restart func()
}

func (s *restartingStore) FindPendingByToken(ctx context.Context, token string) (*model.PendingRegistration, error) {
	row, err := s.Store.FindPendingByToken(ctx, token)
	if err == nil && s.restart != nil {
		s.restart()
		s.restart = nil
	}
	return row, err
}

func TestComplete_RestartBetweenLookupAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.reg.Begin(ctx, coreTeamTicket())
	require.NoError(t, err)

	var second BeginOutcome
	store := &restartingStore{Store: h.repo}
	racing := New(store, h.linker, h.granter, Options{Clock: h.clock.Now, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	store.restart = func() {
		var err error
		second, err = h.reg.Begin(ctx, coreTeamTicket())
		require.NoError(t, err)
	}

	_, err = racing.Complete(ctx, first.StateToken, "code")
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 0, h.linker.Calls())

	// The newer token survives and completes.
	_, err = h.reg.Complete(ctx, second.StateToken, "code")
	require.NoError(t, err)
}

func TestNew_PanicsOnNilDependency(t *testing.T) {
	assert.Panics(t, func() { New(nil, &fakeLinker{}, &fakeGranter{}, Options{}) })
}
