package notion

import (
	"context"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) GetDatabase(ctx context.Context, dbID string) (*notionapi.Database, error) {
	args := m.Called(ctx, dbID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Database), args.Error(1)
}

func (m *MockClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *MockClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func TestMockClientSatisfiesInterface(t *testing.T) {
	t.Parallel()
	var _ Client = (*MockClient)(nil)
}

func TestNewClientReturnsClient(t *testing.T) {
	c := NewClient("test-token")
	assert.NotNil(t, c)

	c = NewClient("test-token", WithRateLimit(0))
	nc, ok := c.(*notionClient)
	assert.True(t, ok)
	assert.Nil(t, nc.limiter)

	c = NewClient("test-token", WithRateLimit(10))
	nc = c.(*notionClient)
	assert.NotNil(t, nc.limiter)
}

func TestWaitRespectsCancelledContext(t *testing.T) {
	c := NewClient("test-token").(*notionClient)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Burst of 1 is consumed by the first call; the second must honor ctx.
	_ = c.wait(context.Background())
	assert.Error(t, c.wait(ctx))
}

func TestCreatePageViaMock(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		return req.Parent.DatabaseID == "lead-db"
	})).Return(&notionapi.Page{ID: "page-1"}, nil)

	page, err := mc.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{Type: notionapi.ParentTypeDatabaseID, DatabaseID: "lead-db"},
	})
	assert.NoError(t, err)
	assert.Equal(t, notionapi.ObjectID("page-1"), page.ID)
	mc.AssertExpectations(t)
}
