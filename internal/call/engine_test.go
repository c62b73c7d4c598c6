package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formcrew/crewcall/internal/signal"
	"github.com/formcrew/crewcall/internal/signal/membus"
)

// fakeLink stands in for a pion peer connection so negotiation can be
// exercised without ICE or media hardware.
type fakeLink struct {
	remote string

	mu            sync.Mutex
	offers        int
	handledOffers []string
	answers       []string
	candidates    []Candidate
	muted         bool
	closed        bool
	onCandidate   func(Candidate)
	onTrack       func(RemoteStream)
}

func (l *fakeLink) Offer(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	return "offer-for-" + l.remote, nil
}

func (l *fakeLink) HandleOffer(_ context.Context, sdp string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handledOffers = append(l.handledOffers, sdp)
	return "answer-for-" + l.remote, nil
}

func (l *fakeLink) HandleAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers = append(l.answers, sdp)
	return nil
}

func (l *fakeLink) AddCandidate(c Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) OnCandidate(fn func(Candidate)) { l.onCandidate = fn }
func (l *fakeLink) OnTrack(fn func(RemoteStream))  { l.onTrack = fn }

func (l *fakeLink) SetMuted(m bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted = m
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) answerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.answers)
}

func (l *fakeLink) handledOfferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handledOffers)
}

func (l *fakeLink) candidateCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.candidates)
}

func (l *fakeLink) isMuted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeLinks hands out one fakeLink per remote id and remembers them.
type fakeLinks struct {
	mu    sync.Mutex
	made  map[string]*fakeLink
	calls int
}

func newFakeLinks() *fakeLinks { return &fakeLinks{made: make(map[string]*fakeLink)} }

func (f *fakeLinks) factory(remote string) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	l := &fakeLink{remote: remote}
	f.made[remote] = l
	return l, nil
}

func (f *fakeLinks) link(remote string) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[remote]
}

func (f *fakeLinks) factoryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestEngine(self string, bus signal.Bus, links *fakeLinks) *Engine {
	return NewEngine("c1", self, bus, Options{SkipCapture: true, NewLink: links.factory}, zerolog.Nop())
}

func members(ids ...string) func() []string {
	return func() []string { return ids }
}

func TestJoinerOffersAndPeerAnswers(t *testing.T) {
	bus := membus.New()
	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus, bobLinks)
	require.NoError(t, bob.Start(context.Background(), members("bob")))
	defer bob.Close()

	aliceLinks := newFakeLinks()
	alice := newTestEngine("alice", bus, aliceLinks)
	require.NoError(t, alice.Start(context.Background(), members("alice", "bob")))
	defer alice.Close()

	require.Eventually(t, func() bool {
		return bob.LinkCount() == 1 && alice.LinkCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Bob answered Alice's offer; Alice applied Bob's answer.
	require.Eventually(t, func() bool {
		bobLink := bobLinks.link("alice")
		aliceLink := aliceLinks.link("bob")
		return bobLink != nil && bobLink.handledOfferCount() == 1 &&
			aliceLink != nil && aliceLink.answerCount() == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"offer-for-bob"}, bobLinks.link("alice").handledOffers)
	assert.Equal(t, []string{"answer-for-alice"}, aliceLinks.link("bob").answers)
}

func TestTargetedMessagesSkipBystanders(t *testing.T) {
	bus := membus.New()

	carolLinks := newFakeLinks()
	carol := newTestEngine("carol", bus, carolLinks)
	require.NoError(t, carol.Start(context.Background(), members("carol")))
	defer carol.Close()

	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus, bobLinks)
	require.NoError(t, bob.Start(context.Background(), members("bob")))
	defer bob.Close()

	aliceLinks := newFakeLinks()
	alice := newTestEngine("alice", bus, aliceLinks)
	require.NoError(t, alice.Start(context.Background(), members("alice", "bob")))
	defer alice.Close()

	require.Eventually(t, func() bool {
		return bob.LinkCount() == 1 && alice.LinkCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Carol shares the scope but was never addressed.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, carol.LinkCount())
	assert.Zero(t, carolLinks.factoryCalls())
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	bus := membus.New()
	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus, bobLinks)
	require.NoError(t, bob.Start(context.Background(), members("bob")))
	defer bob.Close()

	aliceLinks := newFakeLinks()
	alice := newTestEngine("alice", bus, aliceLinks)
	require.NoError(t, alice.Start(context.Background(), members("alice", "bob")))
	defer alice.Close()

	require.Eventually(t, func() bool {
		return bob.LinkCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Replay the offer straight onto the bus.
	require.NoError(t, bus.Publish(context.Background(), "c1", signal.Envelope{
		Type: MsgOffer, From: "alice", To: "bob",
		Payload: []byte(`{"sdp":"offer-for-bob"}`),
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bob.LinkCount())
	assert.Equal(t, 1, bobLinks.factoryCalls())
	assert.Equal(t, 1, bobLinks.link("alice").handledOfferCount())
}

func TestCandidateReachesOnlyItsTarget(t *testing.T) {
	bus := membus.New()
	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus, bobLinks)
	require.NoError(t, bob.Start(context.Background(), members("bob")))
	defer bob.Close()

	aliceLinks := newFakeLinks()
	alice := newTestEngine("alice", bus, aliceLinks)
	require.NoError(t, alice.Start(context.Background(), members("alice", "bob")))
	defer alice.Close()

	require.Eventually(t, func() bool {
		return bob.LinkCount() == 1 && aliceLinks.link("bob") != nil
	}, time.Second, 10*time.Millisecond)

	// Alice's link trickles a candidate; it lands on Bob's matching link.
	aliceLinks.link("bob").onCandidate(Candidate{Candidate: "candidate:1"})

	require.Eventually(t, func() bool {
		l := bobLinks.link("alice")
		return l != nil && l.candidateCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "candidate:1", bobLinks.link("alice").candidates[0].Candidate)
}

func TestSyncParticipantsDropsStaleOnly(t *testing.T) {
	bus := membus.New()
	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus, bobLinks)
	require.NoError(t, bob.Start(context.Background(), members("bob")))
	defer bob.Close()

	aliceLinks := newFakeLinks()
	alice := newTestEngine("alice", bus, aliceLinks)
	require.NoError(t, alice.Start(context.Background(), members("alice", "bob")))
	defer alice.Close()

	require.Eventually(t, func() bool {
		return alice.LinkCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Bob still present plus a newcomer: nothing dropped, nothing dialed.
	alice.SyncParticipants([]string{"alice", "bob", "carol"})
	assert.Equal(t, 1, alice.LinkCount())

	// Bob gone: his link is closed and forgotten.
	alice.SyncParticipants([]string{"alice", "carol"})
	assert.Zero(t, alice.LinkCount())
	assert.True(t, aliceLinks.link("bob").isClosed())
}

func TestToggleMuteAppliesToEveryLink(t *testing.T) {
	bus := membus.New()
	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus, bobLinks)
	require.NoError(t, bob.Start(context.Background(), members("bob")))
	defer bob.Close()

	aliceLinks := newFakeLinks()
	alice := newTestEngine("alice", bus, aliceLinks)
	require.NoError(t, alice.Start(context.Background(), members("alice", "bob")))
	defer alice.Close()

	require.Eventually(t, func() bool {
		return alice.LinkCount() == 1
	}, time.Second, 10*time.Millisecond)

	assert.False(t, alice.IsMuted())
	assert.True(t, alice.ToggleMute())
	assert.True(t, alice.IsMuted())
	assert.True(t, aliceLinks.link("bob").isMuted())

	assert.False(t, alice.ToggleMute())
	assert.False(t, aliceLinks.link("bob").isMuted())
}

func TestMuteStateAppliedToLateLinks(t *testing.T) {
	bus := membus.New()

	aliceLinks := newFakeLinks()
	alice := newTestEngine("alice", bus, aliceLinks)
	require.NoError(t, alice.Start(context.Background(), members("alice")))
	defer alice.Close()
	alice.ToggleMute()

	// Bob joins after Alice muted; her answering link starts muted.
	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus, bobLinks)
	require.NoError(t, bob.Start(context.Background(), members("alice", "bob")))
	defer bob.Close()

	require.Eventually(t, func() bool {
		l := aliceLinks.link("bob")
		return l != nil && l.isMuted()
	}, time.Second, 10*time.Millisecond)
}

func TestRemoteStreamsTrackArrivalAndLoss(t *testing.T) {
	bus := membus.New()
	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus, bobLinks)

	var mu sync.Mutex
	var last map[string]RemoteStream
	bob.OnStreamsChanged(func(s map[string]RemoteStream) {
		mu.Lock()
		defer mu.Unlock()
		last = s
	})
	require.NoError(t, bob.Start(context.Background(), members("bob")))
	defer bob.Close()

	aliceLinks := newFakeLinks()
	alice := newTestEngine("alice", bus, aliceLinks)
	require.NoError(t, alice.Start(context.Background(), members("alice", "bob")))
	defer alice.Close()

	require.Eventually(t, func() bool {
		return bobLinks.link("alice") != nil
	}, time.Second, 10*time.Millisecond)

	bobLinks.link("alice").onTrack(RemoteStream{UserID: "alice", Kind: "audio"})

	require.Eventually(t, func() bool {
		streams := bob.RemoteStreams()
		_, ok := streams["alice"]
		return ok
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Contains(t, last, "alice")
	mu.Unlock()

	// Alice leaving removes her stream and notifies the observer again.
	bob.SyncParticipants([]string{"bob"})
	assert.Empty(t, bob.RemoteStreams())
	mu.Lock()
	assert.Empty(t, last)
	mu.Unlock()
}

func TestCloseBroadcastsHangup(t *testing.T) {
	bus := membus.New()
	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus, bobLinks)
	require.NoError(t, bob.Start(context.Background(), members("bob")))
	defer bob.Close()

	aliceLinks := newFakeLinks()
	alice := newTestEngine("alice", bus, aliceLinks)
	require.NoError(t, alice.Start(context.Background(), members("alice", "bob")))

	require.Eventually(t, func() bool {
		return bob.LinkCount() == 1 && alice.LinkCount() == 1
	}, time.Second, 10*time.Millisecond)

	alice.Close()
	alice.Close() // second close is a no-op

	assert.True(t, aliceLinks.link("bob").isClosed())
	require.Eventually(t, func() bool {
		return bob.LinkCount() == 0
	}, time.Second, 10*time.Millisecond)
	assert.True(t, bobLinks.link("alice").isClosed())
}

// announcingBus flags when the engine's scope subscription is installed.
type announcingBus struct {
	*membus.Bus
	mu         sync.Mutex
	subscribed bool
}

func (b *announcingBus) Subscribe(scope string) (*signal.Subscription, error) {
	sub, err := b.Bus.Subscribe(scope)
	if err == nil {
		b.mu.Lock()
		b.subscribed = true
		b.mu.Unlock()
	}
	return sub, err
}

func TestStartEnumeratesParticipantsAfterSubscribing(t *testing.T) {
	bus := &announcingBus{Bus: membus.New()}

	bobLinks := newFakeLinks()
	bob := newTestEngine("bob", bus.Bus, bobLinks)
	require.NoError(t, bob.Start(context.Background(), members("bob")))
	defer bob.Close()

	aliceLinks := newFakeLinks()
	alice := NewEngine("c1", "alice", bus, Options{SkipCapture: true, NewLink: aliceLinks.factory}, zerolog.Nop())
	defer alice.Close()

	// Bob joined while Alice was still setting up: a list captured before
	// her subscription is live omits him, one read afterwards includes him.
	participants := func() []string {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		if !bus.subscribed {
			return []string{"alice"}
		}
		return []string{"alice", "bob"}
	}
	require.NoError(t, alice.Start(context.Background(), participants))

	require.Eventually(t, func() bool {
		return alice.LinkCount() == 1 && bob.LinkCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, aliceLinks.factoryCalls())
}

func TestStartTwiceFails(t *testing.T) {
	bus := membus.New()
	links := newFakeLinks()
	e := newTestEngine("alice", bus, links)
	require.NoError(t, e.Start(context.Background(), members("alice")))
	defer e.Close()

	assert.Error(t, e.Start(context.Background(), members("alice")))
}
