package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chat/internal/client"
	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chat/internal/session"
)

type fakeAPI struct {
	startFn func(ctx context.Context, anonymous bool, profile *chat.UserProfile) (*chat.StartSessionResponse, error)
	sendFn  func(ctx context.Context, sessionID, text string) (*chat.MessageResponse, error)
	endFn   func(ctx context.Context, sessionID string) (*chat.EndSessionResponse, error)

	starts atomic.Int32
	sends  atomic.Int32
	ends   atomic.Int32
}

func (f *fakeAPI) StartSession(ctx context.Context, anonymous bool, profile *chat.UserProfile) (*chat.StartSessionResponse, error) {
	f.starts.Add(1)
	if f.startFn != nil {
		return f.startFn(ctx, anonymous, profile)
	}
	return &chat.StartSessionResponse{SessionID: "s-1", Greeting: "hello", Anonymous: anonymous}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, sessionID, text string) (*chat.MessageResponse, error) {
	f.sends.Add(1)
	if f.sendFn != nil {
		return f.sendFn(ctx, sessionID, text)
	}
	return &chat.MessageResponse{SessionID: sessionID, Reply: "reply to " + text}, nil
}

func (f *fakeAPI) EndSession(ctx context.Context, sessionID string) (*chat.EndSessionResponse, error) {
	f.ends.Add(1)
	if f.endFn != nil {
		return f.endFn(ctx, sessionID)
	}
	return &chat.EndSessionResponse{SessionID: sessionID}, nil
}

var _ client.API = (*fakeAPI)(nil)

func startedStore(t *testing.T, api *fakeAPI, opts ...session.Option) *session.Store {
	t.Helper()
	store := session.New(api, opts...)
	require.NoError(t, store.StartSession(context.Background(), true, nil))
	return store
}

func TestStartSessionSuccess(t *testing.T) {
	api := &fakeAPI{}
	store := session.New(api)
	require.Equal(t, session.PhaseIdle, store.State().Phase())

	err := store.StartSession(context.Background(), true, nil)
	require.NoError(t, err)

	state := store.State()
	require.Equal(t, "s-1", state.SessionID)
	require.True(t, state.Started)
	require.False(t, state.IsLoading)
	require.Empty(t, state.ConnectionError)
	require.Len(t, state.Transcript, 1)
	require.Equal(t, chat.SenderBot, state.Transcript[0].Sender)
	require.Equal(t, "hello", state.Transcript[0].Text)
	require.Equal(t, session.PhaseActive, state.Phase())
}

func TestStartSessionPassesProfileThrough(t *testing.T) {
	var gotAnonymous bool
	var gotProfile *chat.UserProfile
	api := &fakeAPI{
		startFn: func(_ context.Context, anonymous bool, profile *chat.UserProfile) (*chat.StartSessionResponse, error) {
			gotAnonymous, gotProfile = anonymous, profile
			return &chat.StartSessionResponse{SessionID: "s-2", Greeting: "hi Ana"}, nil
		},
	}
	profile := &chat.UserProfile{Name: "Ana", Major: "Robotics", Quarter: "3"}

	store := session.New(api)
	require.NoError(t, store.StartSession(context.Background(), false, profile))
	require.False(t, gotAnonymous)
	require.Same(t, profile, gotProfile)
}

func TestStartSessionFailure(t *testing.T) {
	api := &fakeAPI{
		startFn: func(context.Context, bool, *chat.UserProfile) (*chat.StartSessionResponse, error) {
			return nil, &client.Error{StatusCode: 503, Message: "unavailable"}
		},
	}
	store := session.New(api)

	err := store.StartSession(context.Background(), true, nil)
	require.Error(t, err)

	state := store.State()
	require.Empty(t, state.SessionID)
	require.False(t, state.Started)
	require.Equal(t, session.DefaultConnectionError, state.ConnectionError)
	require.Empty(t, state.Transcript)
	require.False(t, state.IsLoading)
	require.Equal(t, session.PhaseIdle, state.Phase())
}

func TestStartSessionRetryClearsConnectionError(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	api := &fakeAPI{
		startFn: func(context.Context, bool, *chat.UserProfile) (*chat.StartSessionResponse, error) {
			if fail.Load() {
				return nil, errors.New("dial tcp: connection refused")
			}
			return &chat.StartSessionResponse{SessionID: "s-9", Greeting: "welcome back"}, nil
		},
	}
	store := session.New(api, session.WithConnectionErrorMessage("offline"))

	_ = store.StartSession(context.Background(), true, nil)
	require.Equal(t, "offline", store.ConnectionError())

	fail.Store(false)
	require.NoError(t, store.StartSession(context.Background(), true, nil))
	require.Empty(t, store.ConnectionError())
	require.Equal(t, "s-9", store.SessionID())
}

func TestSendMessageSuccess(t *testing.T) {
	api := &fakeAPI{}
	store := startedStore(t, api)

	accepted := store.SendMessage(context.Background(), "hi")
	require.True(t, accepted)

	transcript := store.Transcript()
	require.Len(t, transcript, 3)
	require.Equal(t, chat.Message{ID: transcript[1].ID, Text: "hi", Sender: chat.SenderUser}, transcript[1])
	require.Equal(t, chat.SenderBot, transcript[2].Sender)
	require.Equal(t, "reply to hi", transcript[2].Text)
	require.False(t, store.IsConcluded())
	require.False(t, store.IsLoading())
}

func TestSendMessageFinalConcludes(t *testing.T) {
	api := &fakeAPI{
		sendFn: func(_ context.Context, sessionID, _ string) (*chat.MessageResponse, error) {
			return &chat.MessageResponse{SessionID: sessionID, Reply: "take care", IsFinal: true}, nil
		},
	}
	store := startedStore(t, api)

	require.True(t, store.SendMessage(context.Background(), "bye"))
	require.True(t, store.IsConcluded())
	require.Equal(t, session.PhaseConcluded, store.State().Phase())

	require.False(t, store.SendMessage(context.Background(), "still there?"))
	require.Len(t, store.Transcript(), 3)
	require.EqualValues(t, 1, api.sends.Load())
}

func TestSendMessageFailureAppendsFallback(t *testing.T) {
	api := &fakeAPI{
		sendFn: func(context.Context, string, string) (*chat.MessageResponse, error) {
			return nil, &client.Error{StatusCode: 500, Message: "HTTP 500"}
		},
	}
	store := startedStore(t, api)

	require.True(t, store.SendMessage(context.Background(), "hi"))

	state := store.State()
	require.Len(t, state.Transcript, 3)
	require.Equal(t, chat.SenderUser, state.Transcript[1].Sender)
	require.Equal(t, "hi", state.Transcript[1].Text)
	require.Equal(t, chat.SenderBot, state.Transcript[2].Sender)
	require.Equal(t, session.DefaultFallbackReply, state.Transcript[2].Text)
	require.False(t, state.IsConcluded)
	require.False(t, state.IsLoading)
	require.Equal(t, "s-1", state.SessionID)

	// The session stays usable after a failed exchange.
	api.sendFn = nil
	require.True(t, store.SendMessage(context.Background(), "again"))
	require.Len(t, store.Transcript(), 5)
}

func TestSendMessageCustomFallback(t *testing.T) {
	api := &fakeAPI{
		sendFn: func(context.Context, string, string) (*chat.MessageResponse, error) {
			return nil, errors.New("boom")
		},
	}
	store := startedStore(t, api, session.WithFallbackReply("try later"))

	store.SendMessage(context.Background(), "hi")
	transcript := store.Transcript()
	require.Equal(t, "try later", transcript[len(transcript)-1].Text)
}

func TestSendMessageWithoutSessionIsNoop(t *testing.T) {
	api := &fakeAPI{}
	store := session.New(api)

	var notified atomic.Int32
	store.Subscribe(func(session.State) { notified.Add(1) })

	require.False(t, store.SendMessage(context.Background(), "hi"))
	require.Empty(t, store.Transcript())
	require.EqualValues(t, 0, api.sends.Load())
	require.EqualValues(t, 0, notified.Load())
}

func TestSendMessageAfterFailedStartIsNoop(t *testing.T) {
	api := &fakeAPI{
		startFn: func(context.Context, bool, *chat.UserProfile) (*chat.StartSessionResponse, error) {
			return nil, errors.New("refused")
		},
	}
	store := session.New(api)
	_ = store.StartSession(context.Background(), true, nil)

	require.False(t, store.SendMessage(context.Background(), "hi"))
	require.EqualValues(t, 0, api.sends.Load())
}

func TestSendMessageWhileLoadingIsNoop(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	api := &fakeAPI{
		sendFn: func(_ context.Context, sessionID, text string) (*chat.MessageResponse, error) {
			close(entered)
			<-release
			return &chat.MessageResponse{SessionID: sessionID, Reply: "ok"}, nil
		},
	}
	store := startedStore(t, api)

	done := make(chan bool)
	go func() { done <- store.SendMessage(context.Background(), "first") }()
	<-entered

	require.True(t, store.IsLoading())
	require.Equal(t, session.PhaseActive, store.State().Phase())
	require.False(t, store.SendMessage(context.Background(), "second"))
	require.Len(t, store.Transcript(), 2)

	close(release)
	require.True(t, <-done)
	require.False(t, store.IsLoading())
	require.Len(t, store.Transcript(), 3)
	require.EqualValues(t, 1, api.sends.Load())
}

func TestConcurrentSendersOnlyOneAccepted(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{
		sendFn: func(_ context.Context, sessionID, _ string) (*chat.MessageResponse, error) {
			<-release
			return &chat.MessageResponse{SessionID: sessionID, Reply: "ok"}, nil
		},
	}
	store := startedStore(t, api)

	const senders = 20
	var accepted atomic.Int32
	var wg sync.WaitGroup
	wg.Add(senders)
	for i := 0; i < senders; i++ {
		go func() {
			defer wg.Done()
			if store.SendMessage(context.Background(), "hi") {
				accepted.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return api.sends.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, accepted.Load())
	require.Len(t, store.Transcript(), 3)
}

func TestMessageIDsStrictlyIncreaseAcrossSessions(t *testing.T) {
	api := &fakeAPI{}
	store := startedStore(t, api)
	store.SendMessage(context.Background(), "one")
	first := store.Transcript()

	require.NoError(t, store.StartSession(context.Background(), true, nil))
	store.SendMessage(context.Background(), "two")
	second := store.Transcript()

	require.Len(t, second, 3)
	require.Greater(t, second[0].ID, first[len(first)-1].ID)

	all := append(first, second...)
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i].ID, all[i-1].ID)
	}
}

func TestRestartDiscardsConcludedSession(t *testing.T) {
	api := &fakeAPI{
		sendFn: func(_ context.Context, sessionID, _ string) (*chat.MessageResponse, error) {
			return &chat.MessageResponse{SessionID: sessionID, Reply: "bye", IsFinal: true}, nil
		},
	}
	store := startedStore(t, api)
	store.SendMessage(context.Background(), "goodbye")
	require.True(t, store.IsConcluded())

	require.NoError(t, store.StartSession(context.Background(), true, nil))
	require.False(t, store.IsConcluded())
	require.Len(t, store.Transcript(), 1)
	require.True(t, store.State().CanSend())
}

func TestStartingPhaseAndSerializedStart(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	api := &fakeAPI{
		startFn: func(context.Context, bool, *chat.UserProfile) (*chat.StartSessionResponse, error) {
			entered <- struct{}{}
			<-release
			return &chat.StartSessionResponse{SessionID: "s-1", Greeting: "hello"}, nil
		},
	}
	store := session.New(api, session.WithSerializedStart())

	done := make(chan error)
	go func() { done <- store.StartSession(context.Background(), true, nil) }()
	<-entered

	require.Equal(t, session.PhaseStarting, store.State().Phase())
	require.NoError(t, store.StartSession(context.Background(), true, nil))
	require.EqualValues(t, 1, api.starts.Load())

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, session.PhaseActive, store.State().Phase())
}

func TestOverlappingStartsLastResolvedWins(t *testing.T) {
	releases := []chan struct{}{make(chan struct{}), make(chan struct{})}
	entered := make(chan struct{}, 2)
	var calls atomic.Int32
	api := &fakeAPI{
		startFn: func(context.Context, bool, *chat.UserProfile) (*chat.StartSessionResponse, error) {
			n := calls.Add(1)
			entered <- struct{}{}
			<-releases[n-1]
			if n == 1 {
				return &chat.StartSessionResponse{SessionID: "first", Greeting: "g1"}, nil
			}
			return &chat.StartSessionResponse{SessionID: "second", Greeting: "g2"}, nil
		},
	}
	store := session.New(api)

	firstDone := make(chan error)
	go func() { firstDone <- store.StartSession(context.Background(), true, nil) }()
	<-entered
	secondDone := make(chan error)
	go func() { secondDone <- store.StartSession(context.Background(), true, nil) }()
	<-entered

	close(releases[1])
	require.NoError(t, <-secondDone)
	require.True(t, store.IsLoading(), "first start is still in flight")

	close(releases[0])
	require.NoError(t, <-firstDone)
	require.Equal(t, "first", store.SessionID())
	require.False(t, store.IsLoading())
}

func TestReplyFromPreviousSessionIsDropped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var starts atomic.Int32
	api := &fakeAPI{
		startFn: func(context.Context, bool, *chat.UserProfile) (*chat.StartSessionResponse, error) {
			if starts.Add(1) == 1 {
				return &chat.StartSessionResponse{SessionID: "s-1", Greeting: "hello"}, nil
			}
			return &chat.StartSessionResponse{SessionID: "s-2", Greeting: "hello again"}, nil
		},
		sendFn: func(_ context.Context, sessionID, _ string) (*chat.MessageResponse, error) {
			close(entered)
			<-release
			return &chat.MessageResponse{SessionID: sessionID, Reply: "late reply", IsFinal: true}, nil
		},
	}
	store := startedStore(t, api)

	done := make(chan bool)
	go func() { done <- store.SendMessage(context.Background(), "hi") }()
	<-entered

	require.NoError(t, store.StartSession(context.Background(), true, nil))
	require.Equal(t, "s-2", store.SessionID())

	close(release)
	require.True(t, <-done)

	state := store.State()
	require.Equal(t, "s-2", state.SessionID)
	require.False(t, state.IsConcluded)
	require.False(t, state.IsLoading)
	require.Len(t, state.Transcript, 1)
	require.Equal(t, "hello again", state.Transcript[0].Text)
	require.True(t, store.SendMessage(context.Background(), "still here"))
}

func TestFailedSendFromPreviousSessionAddsNoFallback(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	api := &fakeAPI{
		sendFn: func(context.Context, string, string) (*chat.MessageResponse, error) {
			close(entered)
			<-release
			return nil, errors.New("HTTP 500")
		},
	}
	store := startedStore(t, api)

	done := make(chan bool)
	go func() { done <- store.SendMessage(context.Background(), "hi") }()
	<-entered

	require.NoError(t, store.StartSession(context.Background(), true, nil))
	close(release)
	require.True(t, <-done)

	for _, msg := range store.Transcript() {
		require.NotEqual(t, session.DefaultFallbackReply, msg.Text)
	}
	require.Len(t, store.Transcript(), 1)
}

func TestRestartFromActiveSessionReportsStarting(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var starts atomic.Int32
	api := &fakeAPI{
		startFn: func(context.Context, bool, *chat.UserProfile) (*chat.StartSessionResponse, error) {
			if starts.Add(1) == 2 {
				close(entered)
				<-release
			}
			return &chat.StartSessionResponse{SessionID: "s-1", Greeting: "hello"}, nil
		},
	}
	store := startedStore(t, api)
	require.Equal(t, session.PhaseActive, store.State().Phase())

	done := make(chan error)
	go func() { done <- store.StartSession(context.Background(), true, nil) }()
	<-entered

	state := store.State()
	require.True(t, state.IsStarting)
	require.Equal(t, session.PhaseStarting, state.Phase())

	close(release)
	require.NoError(t, <-done)
	require.False(t, store.State().IsStarting)
	require.Equal(t, session.PhaseActive, store.State().Phase())
}

func TestEndSessionIsFireAndForget(t *testing.T) {
	var gotID string
	api := &fakeAPI{
		endFn: func(_ context.Context, sessionID string) (*chat.EndSessionResponse, error) {
			gotID = sessionID
			return nil, errors.New("gone")
		},
	}
	store := startedStore(t, api)
	before := store.State()

	err := <-store.EndSession(context.Background())
	require.Error(t, err)
	require.Equal(t, "s-1", gotID)
	require.Equal(t, before, store.State())
}

func TestEndSessionWithoutSession(t *testing.T) {
	api := &fakeAPI{}
	store := session.New(api)

	require.NoError(t, <-store.EndSession(context.Background()))
	require.EqualValues(t, 0, api.ends.Load())
}

func TestSubscribersObserveLoadingTransitions(t *testing.T) {
	api := &fakeAPI{}
	store := session.New(api)

	var mu sync.Mutex
	var seen []session.State
	unsubscribe := store.Subscribe(func(st session.State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	require.NoError(t, store.StartSession(context.Background(), true, nil))
	store.SendMessage(context.Background(), "hi")

	mu.Lock()
	require.Len(t, seen, 4)
	require.True(t, seen[0].IsLoading)
	require.Empty(t, seen[0].Transcript)
	require.False(t, seen[1].IsLoading)
	require.Len(t, seen[1].Transcript, 1)
	require.True(t, seen[2].IsLoading)
	require.Len(t, seen[2].Transcript, 2)
	require.False(t, seen[3].IsLoading)
	require.Len(t, seen[3].Transcript, 3)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	store.SendMessage(context.Background(), "again")

	mu.Lock()
	require.Len(t, seen, 4)
	mu.Unlock()
}

func TestStateSnapshotIsDetached(t *testing.T) {
	store := startedStore(t, &fakeAPI{})

	snapshot := store.State()
	snapshot.Transcript[0].Text = "mutated"

	require.Equal(t, "hello", store.Transcript()[0].Text)
}
