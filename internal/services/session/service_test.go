package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/CourierBox/internal/cache"
	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type apiMock struct {
	mock.Mock
}

func (m *apiMock) CurrentUser(ctx context.Context) (models.User, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *apiMock) Logout(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type SessionSuite struct {
	suite.Suite

	api   *apiMock
	store *cache.Memory
	svc   *Service
}

func (s *SessionSuite) SetupTest() {
	s.api = &apiMock{}
	s.store = cache.NewMemory()
	s.svc = New(s.api, s.store, time.Hour)
}

func (s *SessionSuite) TestCurrent_MemoizesAfterFirstCall() {
	s.api.On("CurrentUser", mock.Anything).Return(models.User{ID: 3, City: "Tunja"}, nil).Once()

	u, err := s.svc.Current(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(int64(3), u.ID)

	u, err = s.svc.Current(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(int64(3), u.ID)
	s.api.AssertExpectations(s.T())
}

func (s *SessionSuite) TestCurrent_PersistedSessionSkipsAPI() {
	b, _ := json.Marshal(models.User{ID: 8})
	s.Require().NoError(s.store.Set(context.Background(), sessionKey, b, time.Hour))

	u, err := s.svc.Current(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(int64(8), u.ID)
	s.api.AssertNotCalled(s.T(), "CurrentUser", mock.Anything)
}

func (s *SessionSuite) TestCurrent_AuthErrorInvalidates() {
	s.api.On("CurrentUser", mock.Anything).Return(models.User{}, errs.New(errs.CodeUnauthorized, "")).Once()
	called := false
	s.svc.OnInvalidate(func() { called = true })

	_, err := s.svc.Current(context.Background())
	s.Require().True(errs.IsAuth(err))
	s.Require().True(called)
}

func (s *SessionSuite) TestCurrent_TransportErrorKeepsNothing() {
	s.api.On("CurrentUser", mock.Anything).Return(models.User{}, errors.New("offline")).Once()

	_, err := s.svc.Current(context.Background())
	s.Require().Error(err)
	s.Require().False(errs.IsAuth(err))
}

func (s *SessionSuite) TestObserve_AuthDropsMemo() {
	s.api.On("CurrentUser", mock.Anything).Return(models.User{ID: 3}, nil).Twice()

	_, err := s.svc.Current(context.Background())
	s.Require().NoError(err)

	s.svc.Observe(context.Background(), errs.New(errs.CodeLoginRedirect, ""))
	_, ok, _ := s.store.Get(context.Background(), sessionKey)
	s.Require().False(ok)

	_, err = s.svc.Current(context.Background())
	s.Require().NoError(err)
	s.api.AssertExpectations(s.T())
}

func (s *SessionSuite) TestLogout_InvalidatesEvenOnError() {
	s.api.On("CurrentUser", mock.Anything).Return(models.User{ID: 3}, nil).Once()
	s.api.On("Logout", mock.Anything).Return(errors.New("offline")).Once()

	_, _ = s.svc.Current(context.Background())
	err := s.svc.Logout(context.Background())
	s.Require().Error(err)
	s.Require().Contains(err.Error(), "logout")

	_, ok, _ := s.store.Get(context.Background(), sessionKey)
	s.Require().False(ok)
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}
