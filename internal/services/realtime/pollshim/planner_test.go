package pollshim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockRand struct {
	mock.Mock
}

func (m *mockRand) Intn(n int) int {
	return m.Called(n).Int(0)
}

type PlannerSuite struct {
	suite.Suite
}

func (s *PlannerSuite) TestBackoffDelay() {
	p := DefaultPlanner()
	s.Equal(10*time.Second, p.BackoffDelay(1))
	s.Equal(20*time.Second, p.BackoffDelay(2))
	s.Equal(40*time.Second, p.BackoffDelay(3))
	s.Equal(60*time.Second, p.BackoffDelay(4))
	s.Equal(60*time.Second, p.BackoffDelay(100))
}

func (s *PlannerSuite) TestNextDelay_Healthy() {
	m := &mockRand{}
	p := NewPlanner(PlannerConfig{}, m)
	s.Equal(10*time.Second, p.NextDelay(0))
	m.AssertNotCalled(s.T(), "Intn", mock.Anything)
}

func (s *PlannerSuite) TestNextDelay_Failing() {
	p := DefaultPlanner()
	s.Equal(20*time.Second, p.NextDelay(2))
}

func (s *PlannerSuite) TestNextDelay_Jitter() {
	m := &mockRand{}
	m.On("Intn", 501).Return(250).Once()

	p := NewPlanner(PlannerConfig{Interval: time.Second, Jitter: 500 * time.Millisecond}, m)
	s.Equal(1250*time.Millisecond, p.NextDelay(0))
	m.AssertExpectations(s.T())
}

func (s *PlannerSuite) TestNewPlanner_Defaults() {
	p := NewPlanner(PlannerConfig{Interval: -1, Jitter: -1}, nil)
	s.Equal(DefaultPlannerConfig(), p.cfg)
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
