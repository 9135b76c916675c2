package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"funnelbot/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const collectURL = `google.*collect\?v=2`

var (
	patternA = event.MustPattern("page_view", event.Response, collectURL, map[string]string{"en": "^page_view$"})
	patternB = event.MustPattern("scroll", event.Response, collectURL, map[string]string{"en": "^scroll$"})
)

func hit(dir event.Direction, en string) event.Observed {
	return event.Observe(event.Raw{
		Direction: dir,
		URL:       "https://region1.google-analytics.com/g/collect?v=2&tid=G-1&en=" + en,
	})
}

func waitResult(t *testing.T, j *Join) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := j.Wait(ctx)
	require.NoError(t, err)
	return r
}

func TestJoin_OrderIndependent(t *testing.T) {
	orders := map[string][]event.Observed{
		"A then B": {hit(event.Response, "page_view"), hit(event.Response, "scroll")},
		"B then A": {hit(event.Response, "scroll"), hit(event.Response, "page_view")},
	}
	for name, events := range orders {
		t.Run(name, func(t *testing.T) {
			c := New()
			c.Begin("run", "s1")
			defer c.End("run")

			j := c.OpenJoin("run", []event.Pattern{patternA, patternB}, time.Minute)
			c.Observe("run", events[0])
			assert.Equal(t, Pending, j.Result())
			c.Observe("run", events[1])

			assert.Equal(t, Satisfied, waitResult(t, j))
			assert.Empty(t, j.Missing())
			assert.Equal(t, 0, c.Active("run"))
		})
	}
}

func TestJoin_EmptySatisfiedImmediately(t *testing.T) {
	c := New()
	j := c.OpenJoin("never-begun", nil, time.Minute)
	select {
	case <-j.Done():
	default:
		t.Fatal("empty join should resolve immediately")
	}
	assert.Equal(t, Satisfied, j.Result())
}

func TestJoin_TimesOut(t *testing.T) {
	c := New()
	c.Begin("run", "s1")
	defer c.End("run")

	j := c.OpenJoin("run", []event.Pattern{patternA, patternB}, 20*time.Millisecond)
	c.Observe("run", hit(event.Response, "page_view"))

	assert.Equal(t, TimedOut, waitResult(t, j))
	assert.Equal(t, []string{"scroll"}, j.Missing())

	// Late arrivals do not change a resolved join.
	c.Observe("run", hit(event.Response, "scroll"))
	assert.Equal(t, TimedOut, j.Result())
}

func TestJoin_DirectionMustMatch(t *testing.T) {
	c := New()
	c.Begin("run", "s1")
	defer c.End("run")

	j := c.OpenJoin("run", []event.Pattern{patternA}, 20*time.Millisecond)
	c.Observe("run", hit(event.Request, "page_view"))
	assert.Equal(t, TimedOut, waitResult(t, j))
}

func TestJoin_MatchesAreShared(t *testing.T) {
	c := New()
	c.Begin("run", "s1")
	defer c.End("run")

	j1 := c.OpenJoin("run", []event.Pattern{patternA}, time.Minute)
	j2 := c.OpenJoin("run", []event.Pattern{patternA, patternB}, time.Minute)
	c.Observe("run", hit(event.Response, "page_view"))

	assert.Equal(t, Satisfied, waitResult(t, j1))
	assert.Equal(t, Pending, j2.Result())
	c.Observe("run", hit(event.Response, "scroll"))
	assert.Equal(t, Satisfied, waitResult(t, j2))
}

func TestJoin_OnlyEventsAfterOpenCount(t *testing.T) {
	c := New()
	c.Begin("run", "s1")
	defer c.End("run")

	c.Observe("run", hit(event.Response, "page_view"))
	j := c.OpenJoin("run", []event.Pattern{patternA}, 20*time.Millisecond)
	assert.Equal(t, TimedOut, waitResult(t, j))
}

func TestJoin_SessionsAreIsolated(t *testing.T) {
	c := New()
	c.Begin("run-1", "s1")
	c.Begin("run-2", "s2")
	defer c.End("run-1")
	defer c.End("run-2")

	j := c.OpenJoin("run-1", []event.Pattern{patternA}, 20*time.Millisecond)
	c.Observe("run-2", hit(event.Response, "page_view"))
	assert.Equal(t, TimedOut, waitResult(t, j))
}

func TestEnd_ResolvesOpenJoins(t *testing.T) {
	c := New()
	c.Begin("run", "s1")
	j := c.OpenJoin("run", []event.Pattern{patternA}, 0)
	assert.Equal(t, 1, c.Active("run"))

	c.End("run")
	assert.Equal(t, TimedOut, waitResult(t, j))

	// Ended runs discard events and refuse new joins.
	c.Observe("run", hit(event.Response, "page_view"))
	late := c.OpenJoin("run", []event.Pattern{patternA}, time.Minute)
	assert.Equal(t, TimedOut, waitResult(t, late))
}

func TestWait_ContextCancelled(t *testing.T) {
	c := New()
	c.Begin("run", "s1")
	defer c.End("run")

	j := c.OpenJoin("run", []event.Pattern{patternA}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := j.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Pending, r)
}

func TestJoin_ConcurrentObservers(t *testing.T) {
	c := New()
	c.Begin("run", "s1")
	defer c.End("run")

	j := c.OpenJoin("run", []event.Pattern{patternA, patternB}, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.Observe("run", hit(event.Response, "page_view"))
			} else {
				c.Observe("run", hit(event.Response, "scroll"))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, Satisfied, waitResult(t, j))
}

type memRecorder struct {
	mu      sync.Mutex
	entries map[string][]string
}

func (r *memRecorder) Record(key, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string][]string)
	}
	r.entries[key] = append(r.entries[key], description)
}

func TestObserve_RecordsWatchedEvents(t *testing.T) {
	rec := &memRecorder{}
	watch := event.MustPattern("collect", event.Request, collectURL, nil)
	c := New(WithRecorder(watch, rec))
	c.Begin("run", "ecommerce01/session_00042")
	defer c.End("run")

	c.Observe("run", event.Observe(event.Raw{
		Direction: event.Request,
		URL:       "https://region1.google-analytics.com/g/collect?v=2&tid=G-1",
		Body:      "en=scroll\nen=user_engagement&_et=10500\nen=purchase",
	}))
	c.Observe("run", event.Observe(event.Raw{Direction: event.Request, URL: "https://shop.test/home.html"}))
	c.Observe("run", hit(event.Response, "page_view"))

	assert.Equal(t, map[string][]string{
		"ecommerce01/session_00042": {"scroll, user_engagement (10500), purchase"},
	}, rec.entries)
}

func TestDescribe_NoNames(t *testing.T) {
	assert.Empty(t, Describe(event.Observe(event.Raw{URL: "https://google.com/g/collect?v=2"})))
}
