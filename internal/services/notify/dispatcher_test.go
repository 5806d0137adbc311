package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/cache"
	"github.com/BearBump/CourierBox/internal/cache/rediscache"
	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/BearBump/CourierBox/internal/services/feed"
	"github.com/BearBump/CourierBox/internal/services/tracking"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeScheduler struct {
	mu   sync.Mutex
	sent []messages.LocalNotification
	err  error
}

func (s *fakeScheduler) Schedule(ctx context.Context, n messages.LocalNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

type trackerMock struct {
	mock.Mock
}

func (m *trackerMock) ForceUpdate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fakeFeed struct {
	refreshes int
	err       error
}

func (f *fakeFeed) Refresh(ctx context.Context) (feed.View, error) {
	f.refreshes++
	return feed.View{}, f.err
}

type fakeAPI struct {
	token string
	sound bool
	err   error
}

func (a *fakeAPI) SaveFCMToken(ctx context.Context, token string) error {
	a.token = token
	return a.err
}

func (a *fakeAPI) SetNotificationSound(ctx context.Context, enabled bool) error {
	if a.err != nil {
		return a.err
	}
	a.sound = enabled
	return nil
}

func (a *fakeAPI) NotificationSound(ctx context.Context) (bool, error) {
	return a.sound, a.err
}

type DispatcherSuite struct {
	suite.Suite

	ctx       context.Context
	store     *cache.Memory
	scheduler *fakeScheduler
	tracker   *trackerMock
	feed      *fakeFeed
	api       *fakeAPI
	d         *Dispatcher
}

func (s *DispatcherSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = cache.NewMemory()
	s.scheduler = &fakeScheduler{}
	s.tracker = &trackerMock{}
	s.feed = &fakeFeed{}
	s.api = &fakeAPI{sound: true}
	s.d = New(s.api, s.store, s.scheduler, Config{}).
		WithTracker(s.tracker).
		WithFeed(s.feed)
}

func orderPush(id string) messages.PushNotification {
	return messages.PushNotification{
		ID:   id,
		Data: map[string]string{"type": messages.TypeNewOrder, "pedidoId": "77"},
	}
}

func wakePush(id string) messages.PushNotification {
	return messages.PushNotification{
		ID:   id,
		Data: map[string]string{"type": messages.TypeWakeForLocation},
	}
}

func (s *DispatcherSuite) TestOrderPush_SchedulesAlertAndRefreshes() {
	s.Require().NoError(s.d.Dispatch(s.ctx, orderPush("p-1")))

	s.Require().Len(s.scheduler.sent, 1)
	n := s.scheduler.sent[0]
	s.Require().Equal(ChannelOrders, n.ChannelID)
	s.Require().Equal(SoundFile, n.Sound)
	s.Require().Equal(defaultTitle, n.Title)
	s.Require().Equal(defaultBody, n.Body)
	s.Require().Equal(int64(77), n.Extra["pedidoId"])
	s.Require().GreaterOrEqual(n.ID, int32(0))
	s.Require().NotEmpty(n.Ref)
	s.Require().Equal(1, s.feed.refreshes)
	s.tracker.AssertNotCalled(s.T(), "ForceUpdate", mock.Anything)
}

func (s *DispatcherSuite) TestOrderPush_KeepsTitleAndBody() {
	p := orderPush("p-2")
	p.Title = "Pedido en Tunja"
	p.Body = "A 1.2 km"
	s.Require().NoError(s.d.Dispatch(s.ctx, p))
	s.Require().Equal("Pedido en Tunja", s.scheduler.sent[0].Title)
	s.Require().Equal("A 1.2 km", s.scheduler.sent[0].Body)
}

func (s *DispatcherSuite) TestDuplicateIsDropped() {
	s.Require().NoError(s.d.Dispatch(s.ctx, orderPush("p-1")))
	s.Require().NoError(s.d.Dispatch(s.ctx, orderPush("p-1")))
	s.Require().Len(s.scheduler.sent, 1)
	s.Require().Equal(1, s.feed.refreshes)
}

func (s *DispatcherSuite) TestEmptyIDIsNeverDeduped() {
	s.Require().NoError(s.d.Dispatch(s.ctx, orderPush("")))
	s.Require().NoError(s.d.Dispatch(s.ctx, orderPush("")))
	s.Require().Len(s.scheduler.sent, 2)
}

func (s *DispatcherSuite) TestSoundOff() {
	s.Require().NoError(s.d.SetSound(s.ctx, false))
	s.Require().False(s.api.sound)
	s.Require().NoError(s.d.Dispatch(s.ctx, orderPush("p-3")))
	s.Require().Empty(s.scheduler.sent[0].Sound)
	s.Require().Equal(ChannelOrdersSilent, s.scheduler.sent[0].ChannelID)
}

func (s *DispatcherSuite) TestSetSoundFailureKeepsState() {
	s.api.err = errors.New("offline")
	s.Require().Error(s.d.SetSound(s.ctx, false))
	s.Require().True(s.d.SoundEnabled())
}

func (s *DispatcherSuite) TestLoadSound() {
	s.api.sound = false
	s.Require().NoError(s.d.LoadSound(s.ctx))
	s.Require().False(s.d.SoundEnabled())
}

func (s *DispatcherSuite) TestWakePush_ForcesUpdateSilently() {
	s.tracker.On("ForceUpdate", mock.Anything).Return(nil).Once()
	s.Require().NoError(s.d.Dispatch(s.ctx, wakePush("w-1")))
	s.Require().Empty(s.scheduler.sent)
	s.Require().Equal(0, s.feed.refreshes)
	s.tracker.AssertExpectations(s.T())
}

func (s *DispatcherSuite) TestScheduleFailure() {
	s.scheduler.err = errors.New("shell gone")
	err := s.d.Dispatch(s.ctx, orderPush("p-4"))
	s.Require().ErrorContains(err, "schedule order alert")
	s.Require().Equal(0, s.feed.refreshes)
}

func (s *DispatcherSuite) TestScheduleFailure_RedeliveryIsHandled() {
	s.scheduler.err = errors.New("device offline")
	s.Require().Error(s.d.Dispatch(s.ctx, orderPush("m-1")))
	s.Require().Empty(s.scheduler.sent)

	s.scheduler.err = nil
	s.Require().NoError(s.d.Dispatch(s.ctx, orderPush("m-1")))
	s.Require().Len(s.scheduler.sent, 1)

	s.Require().NoError(s.d.Dispatch(s.ctx, orderPush("m-1")))
	s.Require().Len(s.scheduler.sent, 1)
}

func (s *DispatcherSuite) TestWakeFailure_RedeliveryIsHandled() {
	s.tracker.On("ForceUpdate", mock.Anything).Return(errors.New("push failed")).Once()
	s.tracker.On("ForceUpdate", mock.Anything).Return(nil).Once()

	s.Require().Error(s.d.Dispatch(s.ctx, wakePush("w-9")))
	s.Require().NoError(s.d.Dispatch(s.ctx, wakePush("w-9")))
	s.tracker.AssertExpectations(s.T())
}

func (s *DispatcherSuite) TestWakeWithoutPosition_IsNoop() {
	s.tracker.On("ForceUpdate", mock.Anything).Return(tracking.ErrNoPosition).Twice()

	s.Require().NoError(s.d.Dispatch(s.ctx, wakePush("")))
	_, err := s.d.Tapped(s.ctx, wakePush(""))
	s.Require().NoError(err)
	s.tracker.AssertExpectations(s.T())
}

func (s *DispatcherSuite) TestRefreshFailureIsNotFatal() {
	s.feed.err = errors.New("offline")
	s.Require().NoError(s.d.Dispatch(s.ctx, orderPush("p-5")))
}

func (s *DispatcherSuite) TestTapped() {
	id, err := s.d.Tapped(s.ctx, orderPush("p-1"))
	s.Require().NoError(err)
	s.Require().Equal(int64(77), id)

	s.tracker.On("ForceUpdate", mock.Anything).Return(nil).Once()
	id, err = s.d.Tapped(s.ctx, wakePush("w-1"))
	s.Require().NoError(err)
	s.Require().Zero(id)
	s.tracker.AssertExpectations(s.T())
}

func (s *DispatcherSuite) TestPermissionDenied() {
	s.Require().NoError(s.d.PermissionDenied(s.ctx, "activa la ubicación"))
	s.Require().NoError(s.d.PermissionDenied(s.ctx, "activa la ubicación"))
	s.Require().Len(s.scheduler.sent, 2)
	n := s.scheduler.sent[0]
	s.Require().True(n.Ongoing)
	s.Require().Equal("activa la ubicación", n.Body)
	s.Require().Equal(s.scheduler.sent[0].ID, s.scheduler.sent[1].ID)
}

func (s *DispatcherSuite) TestRegisterToken() {
	err := s.d.RegisterToken(s.ctx, "  ")
	s.Require().Equal(errs.CodeValidation, errs.CodeOf(err))
	s.Require().Empty(s.api.token)

	s.Require().NoError(s.d.RegisterToken(s.ctx, " tok-1 "))
	s.Require().Equal("tok-1", s.api.token)
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func TestWakePush_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := rediscache.NewRateLimiter(mr.Addr())

	tr := &trackerMock{}
	tr.On("ForceUpdate", mock.Anything).Return(nil).Times(2)

	d := New(&fakeAPI{}, cache.NewMemory(), &fakeScheduler{}, Config{WakeLimit: 2, WakeWindow: time.Minute}).
		WithTracker(tr).
		WithRateLimiter(rl)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Dispatch(ctx, wakePush("")))
	}
	tr.AssertNumberOfCalls(t, "ForceUpdate", 2)

	mr.FastForward(2 * time.Minute)
	tr.On("ForceUpdate", mock.Anything).Return(nil).Once()
	require.NoError(t, d.Dispatch(ctx, wakePush("")))
	tr.AssertNumberOfCalls(t, "ForceUpdate", 3)
}

func TestDedupe_WithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store := rediscache.New(mr.Addr())
	sched := &fakeScheduler{}
	d := New(&fakeAPI{sound: true}, store, sched, Config{})

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, orderPush("p-9")))
	require.NoError(t, d.Dispatch(ctx, orderPush("p-9")))
	require.Len(t, sched.sent, 1)
	require.True(t, mr.Exists("courier:notify:seen:p-9"))

	mr.FastForward(25 * time.Hour)
	require.NoError(t, d.Dispatch(ctx, orderPush("p-9")))
	require.Len(t, sched.sent, 2)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 24*time.Hour, cfg.DedupeTTL)
	require.Equal(t, int64(6), cfg.WakeLimit)
	require.Equal(t, time.Minute, cfg.WakeWindow)
}
