package offline

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-logr/logr"
	"github.com/infracollect/offline-worker/cache"
	"github.com/infracollect/offline-worker/clients"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type registrationFixture struct {
	reg     *Registration
	storage *cache.MemoryStorage
	fetcher *fakeFetcher
}

func newRegistrationFixture() *registrationFixture {
	return &registrationFixture{
		reg:     NewRegistration(nil, logr.Discard()),
		storage: cache.NewMemoryStorage(),
		fetcher: newTestFetcher(),
	}
}

func (fx *registrationFixture) worker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	return newTestWorker(t, cfg, WithStorage(fx.storage), WithFetcher(fx.fetcher))
}

func waitingConfig(version string) Config {
	cfg := testConfig(version)
	cfg.DisableAutoSkipWaiting = true
	return cfg
}

func TestRegisterActivatesFirstWorker(t *testing.T) {
	fx := newRegistrationFixture()
	ep := fx.reg.Connect(absURL("/"))
	w := fx.worker(t, waitingConfig("v10"))

	require.NoError(t, fx.reg.Register(context.Background(), w))

	assert.Same(t, w, fx.reg.Controller())
	assert.Nil(t, fx.reg.Waiting())
	assert.Equal(t, StateActivated, w.State())
	assert.Equal(t, "hustle-year-v10", ep.Controller())
}

func TestRegisterSkipsWaitingByDefault(t *testing.T) {
	fx := newRegistrationFixture()
	v9 := fx.worker(t, testConfig("v9"))
	require.NoError(t, fx.reg.Register(context.Background(), v9))
	ep := fx.reg.Connect(absURL("/"))

	v10 := fx.worker(t, testConfig("v10"))
	require.NoError(t, fx.reg.Register(context.Background(), v10))

	assert.Same(t, v10, fx.reg.Controller())
	assert.Equal(t, StateRedundant, v9.State())
	assert.Equal(t, "hustle-year-v10", ep.Controller())
	assert.Equal(t, []string{"hustle-year-v10"}, storeNames(t, fx.storage))
}

func TestSkipWaitingMessageActivatesWaitingWorker(t *testing.T) {
	fx := newRegistrationFixture()
	ctx := context.Background()

	v9 := fx.worker(t, waitingConfig("v9"))
	require.NoError(t, fx.reg.Register(ctx, v9))
	ep := fx.reg.Connect(absURL("/"))

	v10 := fx.worker(t, waitingConfig("v10"))
	require.NoError(t, fx.reg.Register(ctx, v10))

	assert.Same(t, v9, fx.reg.Controller())
	assert.Same(t, v10, fx.reg.Waiting())
	assert.Equal(t, StateInstalled, v10.State())
	assert.ElementsMatch(t, []string{"hustle-year-v9", "hustle-year-v10"}, storeNames(t, fx.storage))

	require.NoError(t, fx.reg.Message(ctx, structpb.NewStringValue(DefaultSkipWaitingMessage), ep.ID()))

	assert.Same(t, v10, fx.reg.Controller())
	assert.Nil(t, fx.reg.Waiting())
	assert.Equal(t, StateActivated, v10.State())
	assert.Equal(t, StateRedundant, v9.State())
	assert.Equal(t, "hustle-year-v10", ep.Controller())
	assert.Equal(t, []string{"hustle-year-v10"}, storeNames(t, fx.storage))
}

func TestDisconnectActivatesWaitingWorker(t *testing.T) {
	fx := newRegistrationFixture()
	ctx := context.Background()

	v9 := fx.worker(t, waitingConfig("v9"))
	require.NoError(t, fx.reg.Register(ctx, v9))
	a := fx.reg.Connect(absURL("/"))
	b := fx.reg.Connect(absURL("/stats"))

	v10 := fx.worker(t, waitingConfig("v10"))
	require.NoError(t, fx.reg.Register(ctx, v10))
	require.Same(t, v10, fx.reg.Waiting())

	require.NoError(t, fx.reg.Disconnect(ctx, a.ID()))
	assert.Same(t, v9, fx.reg.Controller())

	require.NoError(t, fx.reg.Disconnect(ctx, b.ID()))
	assert.Same(t, v10, fx.reg.Controller())
	assert.Equal(t, StateRedundant, v9.State())
}

func TestNewerWaitingWorkerReplacesOlder(t *testing.T) {
	fx := newRegistrationFixture()
	ctx := context.Background()

	require.NoError(t, fx.reg.Register(ctx, fx.worker(t, waitingConfig("v9"))))
	fx.reg.Connect(absURL("/"))

	v10 := fx.worker(t, waitingConfig("v10"))
	require.NoError(t, fx.reg.Register(ctx, v10))
	v11 := fx.worker(t, waitingConfig("v11"))
	require.NoError(t, fx.reg.Register(ctx, v11))

	assert.Same(t, v11, fx.reg.Waiting())
	assert.Equal(t, StateRedundant, v10.State())
}

func TestRegisterFailedInstallKeepsController(t *testing.T) {
	fx := newRegistrationFixture()
	ctx := context.Background()

	v9 := fx.worker(t, testConfig("v9"))
	require.NoError(t, fx.reg.Register(ctx, v9))

	fx.fetcher.set("/index.html", http.StatusServiceUnavailable, "deploying")
	v10 := fx.worker(t, testConfig("v10"))

	var installErr *ErrInstallFailed
	require.ErrorAs(t, fx.reg.Register(ctx, v10), &installErr)
	assert.Same(t, v9, fx.reg.Controller())
	assert.Equal(t, StateActivated, v9.State())
	assert.Equal(t, []string{"hustle-year-v9"}, storeNames(t, fx.storage))
}

func TestRegisterSameGenerationIsNoop(t *testing.T) {
	fx := newRegistrationFixture()
	ctx := context.Background()

	first := fx.worker(t, testConfig("v10"))
	require.NoError(t, fx.reg.Register(ctx, first))
	second := fx.worker(t, testConfig("v10"))
	require.NoError(t, fx.reg.Register(ctx, second))

	assert.Same(t, first, fx.reg.Controller())
	assert.Equal(t, StateRedundant, second.State())
}

func TestRegistrationDispatch(t *testing.T) {
	fx := newRegistrationFixture()
	ctx := context.Background()

	resp, ok := fx.reg.Fetch(NewFetchEvent(newRequest(t, http.MethodGet, absURL("/"))))
	assert.False(t, ok)
	assert.Nil(t, resp)
	assert.ErrorIs(t, fx.reg.Sync(ctx, DefaultSyncTag), ErrNoController)
	assert.ErrorIs(t, fx.reg.Message(ctx, structpb.NewStringValue("hi"), ""), ErrNoController)

	require.NoError(t, fx.reg.Register(ctx, fx.worker(t, testConfig("v10"))))
	ep := fx.reg.Connect(absURL("/"))

	ev := NewFetchEvent(newRequest(t, http.MethodGet, absURL("/")))
	resp, ok = fx.reg.Fetch(ev)
	require.True(t, ok)
	assert.Equal(t, "root v1", readBody(t, resp))
	require.NoError(t, ev.Wait())

	require.NoError(t, fx.reg.Sync(ctx, DefaultSyncTag))
	assert.Equal(t, SyncCompleteMessage, messageType(t, <-ep.Messages()))
}

func TestRegistrationSharesClientRegistry(t *testing.T) {
	registry := clients.NewRegistry(0)
	reg := NewRegistration(registry, logr.Discard())
	assert.Same(t, registry, reg.Clients())

	ep := reg.Connect(absURL("/"))
	got, ok := registry.Get(ep.ID())
	require.True(t, ok)
	assert.Same(t, ep, got)
}
