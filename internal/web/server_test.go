package web

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/koopa0/stockdesk/internal/agent"
	"github.com/koopa0/stockdesk/internal/cache"
	"github.com/koopa0/stockdesk/internal/conversation"
	"github.com/koopa0/stockdesk/internal/log"
	"github.com/koopa0/stockdesk/internal/scraper"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLoop replays a scripted event sequence and records what it was
// called with.
type fakeLoop struct {
	events   []agent.Event
	state    agent.State
	newTurns []agent.Turn

	history []agent.Turn
	message string
	snap    *cache.Snapshot
}

func (f *fakeLoop) Run(_ context.Context, history []agent.Turn, message string, snap *cache.Snapshot) (iter.Seq[agent.Event], *agent.Outcome) {
	f.history = history
	f.message = message
	f.snap = snap

	outcome := &agent.Outcome{}
	seq := func(yield func(agent.Event) bool) {
		for _, ev := range f.events {
			if !yield(ev) {
				return
			}
		}
		outcome.State = f.state
		outcome.NewTurns = f.newTurns
	}
	return seq, outcome
}

type fakeIndexer struct {
	stats  scraper.Stats
	err    error
	ticker string
	count  int
}

func (f *fakeIndexer) IndexArticles(_ context.Context, ticker string, articles []scraper.Article) (scraper.Stats, error) {
	f.ticker = ticker
	f.count = len(articles)
	return f.stats, f.err
}

func newTestServer(t *testing.T, loop LoopRunner, indexer ArticleIndexer) (*Server, *conversation.Store) {
	t.Helper()
	convs, err := conversation.NewStore(conversation.Config{
		Retention: time.Hour,
		Logger:    log.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(convs.Stop)

	srv, err := New(Config{
		Loop:          loop,
		Conversations: convs,
		Indexer:       indexer,
		Cache:         cache.NewStore(),
		Logger:        log.NewNop(),
		CORSOrigins:   []string{"http://localhost:5173"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, convs
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatMessageStreamsAndPersists(t *testing.T) {
	loop := &fakeLoop{
		events: []agent.Event{
			{Kind: agent.EventToolCall, Tool: "get_stock_quote", Status: agent.StatusCalling},
			{Kind: agent.EventToolCall, Tool: "get_stock_quote", Status: agent.StatusComplete},
			{Kind: agent.EventText, Text: "AAPL looks steady."},
			{Kind: agent.EventDone},
		},
		state: agent.StateDone,
		newTurns: []agent.Turn{
			{Role: agent.RoleUser, Text: "how is AAPL?"},
			{Role: agent.RoleModel, Text: "AAPL looks steady."},
		},
	}
	srv, convs := newTestServer(t, loop, nil)

	rec := postJSON(t, srv.Handler(), "/api/chat/message", ChatRequest{
		Message: "how is AAPL?",
		Ticker:  "AAPL",
		Context: map[string]json.RawMessage{"quote": json.RawMessage(`{"price":210}`)},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	convID := rec.Header().Get("X-Conversation-ID")
	if convID == "" {
		t.Fatal("X-Conversation-ID header missing")
	}

	body := rec.Body.String()
	for _, want := range []string{
		"event: tool_call\ndata: {\"tool\":\"get_stock_quote\",\"status\":\"calling\"}",
		"event: text\ndata: AAPL looks steady.",
		"event: done\ndata: \n\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q in:\n%s", want, body)
		}
	}

	if loop.snap == nil {
		t.Error("snapshot not built from request context")
	}
	turns, err := convs.Get(convID)
	if err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if len(turns) != 2 {
		t.Errorf("persisted %d turns, want 2", len(turns))
	}
}

func TestChatMessageContinuesConversation(t *testing.T) {
	loop := &fakeLoop{
		events: []agent.Event{{Kind: agent.EventDone}},
		state:  agent.StateDone,
	}
	srv, convs := newTestServer(t, loop, nil)

	id := conversation.NewID()
	if err := convs.Append(id,
		agent.Turn{Role: agent.RoleUser, Text: "earlier question"},
		agent.Turn{Role: agent.RoleModel, Text: "earlier answer"},
	); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	rec := postJSON(t, srv.Handler(), "/api/chat/message", ChatRequest{
		ConversationID: id,
		Message:        "follow-up",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Conversation-ID"); got != id {
		t.Errorf("conversation id = %q, want %q", got, id)
	}
	if len(loop.history) != 2 {
		t.Errorf("loop saw %d history turns, want 2", len(loop.history))
	}
	if loop.message != "follow-up" {
		t.Errorf("loop message = %q", loop.message)
	}
}

func TestChatMessageValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{}, nil)
	h := srv.Handler()

	tests := []struct {
		name string
		body ChatRequest
	}{
		{"empty message", ChatRequest{Ticker: "AAPL"}},
		{"whitespace message", ChatRequest{Message: "   "}},
		{"bad conversation id", ChatRequest{Message: "hi", ConversationID: "not-a-uuid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h, "/api/chat/message", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestChatMessagePersistsFailedPrefix(t *testing.T) {
	loop := &fakeLoop{
		events:   []agent.Event{{Kind: agent.EventError, Text: "model turn failed"}},
		state:    agent.StateFailed,
		newTurns: []agent.Turn{{Role: agent.RoleUser, Text: "hi"}},
	}
	srv, convs := newTestServer(t, loop, nil)

	rec := postJSON(t, srv.Handler(), "/api/chat/message", ChatRequest{Message: "hi"})

	if !strings.Contains(rec.Body.String(), "event: error") {
		t.Errorf("expected error event, got %s", rec.Body.String())
	}
	turns, err := convs.Get(rec.Header().Get("X-Conversation-ID"))
	if err != nil {
		t.Fatalf("consistent prefix not persisted: %v", err)
	}
	if len(turns) != 1 || turns[0].Role != agent.RoleUser {
		t.Errorf("persisted turns = %+v, want the user turn only", turns)
	}
}

func TestScrapeArticles(t *testing.T) {
	idx := &fakeIndexer{stats: scraper.Stats{Scraped: 2, Embedded: 2}}
	srv, _ := newTestServer(t, &fakeLoop{}, idx)

	rec := postJSON(t, srv.Handler(), "/api/chat/scrape-articles", ScrapeRequest{
		Ticker: "AAPL",
		Articles: []scraper.Article{
			{URL: "https://example.com/a", Title: "A"},
			{URL: "https://example.com/b", Title: "B"},
		},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var stats scraper.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("response not stats JSON: %v", err)
	}
	if stats.Embedded != 2 {
		t.Errorf("embedded = %d, want 2", stats.Embedded)
	}
	if idx.ticker != "AAPL" || idx.count != 2 {
		t.Errorf("indexer saw ticker=%q count=%d", idx.ticker, idx.count)
	}
}

func TestScrapeArticlesUnavailableWithoutIndex(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{}, nil)

	rec := postJSON(t, srv.Handler(), "/api/chat/scrape-articles", ScrapeRequest{Ticker: "AAPL"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestScrapeArticlesBatchTooLarge(t *testing.T) {
	idx := &fakeIndexer{err: scraper.ErrTooManyArticles}
	srv, _ := newTestServer(t, &fakeLoop{}, idx)

	rec := postJSON(t, srv.Handler(), "/api/chat/scrape-articles", ScrapeRequest{Ticker: "AAPL"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetConversation(t *testing.T) {
	srv, convs := newTestServer(t, &fakeLoop{}, nil)
	h := srv.Handler()

	id := conversation.NewID()
	if err := convs.Append(id, agent.Turn{Role: agent.RoleUser, Text: "hello"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/conversations/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		ConversationID string       `json:"conversation_id"`
		Turns          []agent.Turn `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ConversationID != id || len(resp.Turns) != 1 {
		t.Errorf("resp = %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/conversations/"+conversation.NewID(), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/conversations/garbage", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestClearConversation(t *testing.T) {
	srv, convs := newTestServer(t, &fakeLoop{}, nil)
	h := srv.Handler()

	id := conversation.NewID()
	if err := convs.Append(id, agent.Turn{Role: agent.RoleUser, Text: "hello"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/chat/clear/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := convs.Get(id); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("conversation still present after clear: %v", err)
	}

	// Clearing again is still OK.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/chat/clear/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("repeat clear status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{}, &fakeIndexer{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status    string `json:"status"`
		Knowledge string `json:"knowledge"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Knowledge != "configured" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/message", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORSUnknownOrigin(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want unset", got)
	}
}
