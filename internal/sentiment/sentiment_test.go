package sentiment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/stockdesk/internal/log"
)

type stubSource struct {
	name  string
	posts []Post
	err   error
}

func (s *stubSource) Name() string { return s.name }
func (s *stubSource) Fetch(context.Context, string) ([]Post, error) {
	return s.posts, s.err
}

// fixedClassifier returns a canned classification per exact text.
type fixedClassifier struct {
	byText map[string]Classification
}

func (f *fixedClassifier) Classify(_ context.Context, text string) (Classification, error) {
	cl, ok := f.byText[text]
	if !ok {
		return Classification{Label: Neutral, Confidence: 0.5}, nil
	}
	return cl, nil
}

func newTestService(t *testing.T, sources []Source, classifier Classifier) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Sources:    sources,
		Classifier: classifier,
		Logger:     log.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestAggregateBullish(t *testing.T) {
	now := time.Now()
	src := &stubSource{name: "stub", posts: []Post{
		{Text: "a", CreatedAt: now, Engagement: 10},
		{Text: "b", CreatedAt: now, Engagement: 5},
	}}
	cl := &fixedClassifier{byText: map[string]Classification{
		"a": {Label: Bullish, Score: 0.9, Confidence: 0.9},
		"b": {Label: Bullish, Score: 0.7, Confidence: 0.8},
	}}

	svc := newTestService(t, []Source{src}, cl)
	report, err := svc.Aggregate(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if report.Label != Bullish {
		t.Errorf("label = %s, want bullish", report.Label)
	}
	if report.Bullish != 2 || report.PostCount != 2 {
		t.Errorf("counts wrong: %+v", report)
	}
}

func TestAggregateConfidenceFloor(t *testing.T) {
	src := &stubSource{name: "stub", posts: []Post{
		{Text: "confident", CreatedAt: time.Now()},
		{Text: "unsure", CreatedAt: time.Now()},
	}}
	cl := &fixedClassifier{byText: map[string]Classification{
		"confident": {Label: Bearish, Score: -0.8, Confidence: 0.9},
		"unsure":    {Label: Bullish, Score: 0.9, Confidence: 0.3},
	}}

	svc := newTestService(t, []Source{src}, cl)
	report, err := svc.Aggregate(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if report.PostCount != 1 {
		t.Errorf("low-confidence post should be dropped, counted %d", report.PostCount)
	}
	if report.Label != Bearish {
		t.Errorf("label = %s, want bearish", report.Label)
	}
}

func TestAggregateAsymmetricThresholds(t *testing.T) {
	// A mildly negative aggregate (-0.2) is bearish even though +0.2
	// would not be bullish.
	src := &stubSource{name: "stub", posts: []Post{{Text: "p", CreatedAt: time.Now()}}}
	cl := &fixedClassifier{byText: map[string]Classification{
		"p": {Label: Bearish, Score: -0.2, Confidence: 1},
	}}
	svc := newTestService(t, []Source{src}, cl)
	report, err := svc.Aggregate(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if report.Label != Bearish {
		t.Errorf("score %v should label bearish, got %s", report.Score, report.Label)
	}

	cl.byText["p"] = Classification{Label: Bullish, Score: 0.2, Confidence: 1}
	report, err = svc.Aggregate(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if report.Label != Neutral {
		t.Errorf("score %v should label neutral, got %s", report.Score, report.Label)
	}
}

func TestAggregateRecencyWeighting(t *testing.T) {
	now := time.Now()
	src := &stubSource{name: "stub", posts: []Post{
		{Text: "fresh-bear", CreatedAt: now.Add(-time.Hour)},
		{Text: "stale-bull", CreatedAt: now.Add(-30 * 24 * time.Hour)},
	}}
	// Equal magnitude, but the fresh bearish post carries double weight.
	cl := &fixedClassifier{byText: map[string]Classification{
		"fresh-bear": {Label: Bearish, Score: -0.8, Confidence: 0.9},
		"stale-bull": {Label: Bullish, Score: 0.8, Confidence: 0.9},
	}}

	svc := newTestService(t, []Source{src}, cl)
	report, err := svc.Aggregate(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if report.Score >= 0 {
		t.Errorf("recency weighting should pull the aggregate negative, got %v", report.Score)
	}
}

func TestAggregateSourceFailureIsTolerated(t *testing.T) {
	good := &stubSource{name: "good", posts: []Post{{Text: "p", CreatedAt: time.Now()}}}
	bad := &stubSource{name: "bad", err: errors.New("rate limited")}
	cl := &fixedClassifier{byText: map[string]Classification{
		"p": {Label: Bullish, Score: 0.9, Confidence: 0.9},
	}}

	svc := newTestService(t, []Source{good, bad}, cl)
	report, err := svc.Aggregate(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(report.Sources) != 1 || report.Sources[0] != "good" {
		t.Errorf("sources = %v, want [good]", report.Sources)
	}
}

func TestAggregateAllSourcesEmpty(t *testing.T) {
	src := &stubSource{name: "empty"}
	svc := newTestService(t, []Source{src}, &fixedClassifier{})
	if _, err := svc.Aggregate(context.Background(), "AAPL"); !errors.Is(err, ErrNoPosts) {
		t.Errorf("expected ErrNoPosts, got %v", err)
	}
}

func TestEngagementWeightMonotonic(t *testing.T) {
	if engagementWeight(0) != 1 {
		t.Errorf("zero engagement weight = %v, want 1", engagementWeight(0))
	}
	if engagementWeight(100) <= engagementWeight(10) {
		t.Error("engagement weight must grow with engagement")
	}
	if engagementWeight(-5) != 1 {
		t.Error("negative engagement must clamp to the floor")
	}
}

func TestLexiconClassifier(t *testing.T) {
	c := NewLexiconClassifier()
	ctx := context.Background()

	cl, err := c.Classify(ctx, "Huge breakout, time to buy calls, very bullish")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cl.Label != Bullish {
		t.Errorf("label = %s, want bullish", cl.Label)
	}

	cl, err = c.Classify(ctx, "downgrade incoming, overvalued, sell before the crash")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cl.Label != Bearish {
		t.Errorf("label = %s, want bearish", cl.Label)
	}

	cl, err = c.Classify(ctx, "the weather is nice today")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cl.Label != Neutral || cl.Confidence >= 0.6 {
		t.Errorf("signal-free text should be low-confidence neutral, got %+v", cl)
	}
}

func TestLexiconClassifierSingleInit(t *testing.T) {
	c := NewLexiconClassifier()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Classify(context.Background(), "buy the dip"); err != nil {
				t.Errorf("Classify: %v", err)
			}
		}()
	}
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		t.Errorf("state = %d, want ready", c.state)
	}
	if c.index == nil {
		t.Error("index not built")
	}
}

func TestStockTwitsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2/streams/symbol/AAPL.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"messages":[{"body":"AAPL to the moon","created_at":"2026-08-24T10:00:00Z","likes":{"total":12}},{"body":""}]}`))
	}))
	defer srv.Close()

	posts, err := NewStockTwits(srv.URL).Fetch(context.Background(), "aapl")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1 (empty bodies skipped)", len(posts))
	}
	if posts[0].Engagement != 12 {
		t.Errorf("engagement = %d, want 12", posts[0].Engagement)
	}
}

func TestRedditFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" || r.Header.Get("User-Agent") == "Go-http-client/1.1" {
			t.Error("reddit requests need a custom user agent")
		}
		_, _ = w.Write([]byte(`{"data":{"children":[{"data":{"title":"TSLA earnings","selftext":"thoughts?","created_utc":1756000000,"score":40,"num_comments":15}}]}}`))
	}))
	defer srv.Close()

	posts, err := NewReddit(srv.URL).Fetch(context.Background(), "TSLA")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts", len(posts))
	}
	if posts[0].Engagement != 55 {
		t.Errorf("engagement = %d, want score+comments = 55", posts[0].Engagement)
	}
}
