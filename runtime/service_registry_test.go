package runtime

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	status error
}

func (m *mockService) Start()        {}
func (m *mockService) Stop() error   { return nil }
func (m *mockService) Status() error { return m.status }

type secondMockService struct {
	status error
}

func (m *secondMockService) Start()        {}
func (m *secondMockService) Stop() error   { return nil }
func (m *secondMockService) Status() error { return m.status }

func TestRegisterService_Twice(t *testing.T) {
	registry := NewServiceRegistry()
	m := &mockService{}
	require.NoError(t, registry.RegisterService("mock", m))
	assert.Error(t, registry.RegisterService("mock", m), "registering the same name twice should fail")
	assert.Error(t, registry.RegisterService("mock2", &mockService{}), "registering the same type twice should fail")
}

func TestRegisterService_Different(t *testing.T) {
	registry := NewServiceRegistry()
	m := &mockService{}
	s := &secondMockService{}
	require.NoError(t, registry.RegisterService("first", m))
	require.NoError(t, registry.RegisterService("second", s))

	var m2 *mockService
	require.NoError(t, registry.FetchService(&m2))
	assert.Same(t, m, m2)

	var s2 *secondMockService
	require.NoError(t, registry.FetchService(&s2))
	assert.Same(t, s, s2)
}

func TestFetchService_NonPointer(t *testing.T) {
	registry := NewServiceRegistry()
	require.NoError(t, registry.RegisterService("mock", &mockService{}))
	assert.Error(t, registry.FetchService(mockService{}))
}

func TestStatuses_ByName(t *testing.T) {
	registry := NewServiceRegistry()
	healthy := &mockService{}
	broken := &secondMockService{status: errors.New("degraded")}
	require.NoError(t, registry.RegisterService("healthy", healthy))
	require.NoError(t, registry.RegisterService("broken", broken))

	statuses := registry.Statuses()
	require.Len(t, statuses, 2)
	assert.NoError(t, statuses["healthy"])
	assert.Error(t, statuses["broken"])
}
