package classifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"smartguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedService blocks every call until released.
type gatedService struct {
	started chan string
	release chan struct{}
	once    sync.Once
}

func newGatedService() *gatedService {
	return &gatedService{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gatedService) Generate(ctx context.Context, prompt string) (string, error) {
	g.started <- prompt
	select {
	case <-g.release:
		return "gaming", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedService) open() { g.once.Do(func() { close(g.release) }) }

func TestQueue_ClassifiesInBackground(t *testing.T) {
	svc := &fakeService{reply: "shopping"}
	c := newTestClassifier(t, svc, newMemStore(), nil)
	q := NewQueue(c, 2, 10, logging.NewDiscard())
	defer q.Close()

	assert.True(t, q.Submit("amazon.com"))

	require.Eventually(t, func() bool {
		completed, _ := q.Stats()
		return completed == 1 && q.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)

	v, ok := c.Lookup("amazon.com")
	require.True(t, ok)
	assert.Equal(t, Shopping, v.Category)
	_, dropped := q.Stats()
	assert.Zero(t, dropped)

	assert.False(t, q.Submit("amazon.com"), "live verdicts are not resubmitted")
}

func TestQueue_DedupeAndDrop(t *testing.T) {
	svc := newGatedService()
	defer svc.open()

	c := newTestClassifier(t, svc, nil, nil)
	q := NewQueue(c, 1, 2, logging.NewDiscard())
	defer q.Close()

	require.True(t, q.Submit("a.example"))
	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first domain")
	}

	assert.False(t, q.Submit("a.example"), "in-progress domain is pending")
	assert.True(t, q.Submit("b.example"))
	assert.True(t, q.Submit("c.example"))
	assert.False(t, q.Submit("b.example"), "queued domain is pending")
	assert.False(t, q.Submit("d.example"), "full queue drops")
	assert.Equal(t, 3, q.Pending())

	_, dropped := q.Stats()
	assert.Equal(t, uint64(1), dropped)

	svc.open()
	require.Eventually(t, func() bool {
		completed, _ := q.Stats()
		return completed == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, q.Pending())
}

func TestQueue_Close(t *testing.T) {
	svc := newGatedService()
	c := newTestClassifier(t, svc, nil, nil)
	q := NewQueue(c, 1, 4, logging.NewDiscard())

	require.True(t, q.Submit("slow.example"))
	<-svc.started

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the in-progress call")
	}

	_, ok := c.Lookup("slow.example")
	assert.False(t, ok, "cancelled work is not cached")

	assert.False(t, q.Submit("other.example"))
	q.Close()
}

func TestQueue_EmptyDomain(t *testing.T) {
	c := newTestClassifier(t, nil, nil, nil)
	q := NewQueue(c, 0, 0, nil)
	defer q.Close()

	assert.False(t, q.Submit(""))
}
