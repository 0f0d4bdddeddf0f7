package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anteroom/anteroom/internal/agent"
	"github.com/anteroom/anteroom/internal/approvals"
	"github.com/anteroom/anteroom/internal/bus"
	"github.com/anteroom/anteroom/internal/config"
	"github.com/anteroom/anteroom/internal/store"
	"github.com/anteroom/anteroom/internal/tools"
	"github.com/anteroom/anteroom/pkg/models"
)

// cannedProvider streams a fixed reply for every request.
type cannedProvider struct {
	reply string
	title string
}

func (p *cannedProvider) Name() string { return "canned" }

func (p *cannedProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: p.reply}
	ch <- &agent.CompletionChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (p *cannedProvider) Complete(ctx context.Context, messages []*models.Message, maxTokens int) (string, error) {
	if p.title == "" {
		return "", errors.New("no canned title")
	}
	return p.title, nil
}

// gatedProvider blocks its first stream until released; later streams
// complete immediately. It lets a test hold a turn open.
type gatedProvider struct {
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()

	ch := make(chan *agent.CompletionChunk, 2)
	if first {
		go func() {
			defer close(ch)
			select {
			case <-p.release:
			case <-ctx.Done():
				return
			}
			ch <- &agent.CompletionChunk{Text: "first reply"}
			ch <- &agent.CompletionChunk{FinishReason: "stop"}
		}()
		return ch, nil
	}
	ch <- &agent.CompletionChunk{Text: "second reply"}
	ch <- &agent.CompletionChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (p *gatedProvider) Complete(ctx context.Context, messages []*models.Message, maxTokens int) (string, error) {
	return "", errors.New("no title")
}

type testEnv struct {
	server  *httptest.Server
	gw      *Server
	store   *store.Store
	broker  *approvals.Broker
	bus     *bus.Bus
	dataDir string
}

func newTestEnv(t *testing.T, provider agent.Provider) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	cfg := &config.Config{Host: "127.0.0.1", Port: 0, DataDir: dataDir}
	cfg.AI.Model = "test-model"

	manager := store.NewManager(dataDir, nil, nil)
	st, err := manager.Get(store.PersonalDatabase)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(manager.CloseAll)

	eventBus := bus.New(manager, nil)
	broker := approvals.NewBroker(nil)
	engine := agent.NewEngine(provider, st, tools.NewRegistry(nil, nil, nil), agent.EngineConfig{}, nil)

	srv := New(cfg, st, engine, eventBus, broker, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, gw: srv, store: st, broker: broker, bus: eventBus, dataDir: dataDir}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{reply: "ok"})
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestConversationCRUD(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{reply: "ok"})

	resp := env.postJSON(t, "/api/conversations", map[string]any{"title": "planning"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("created = %v", created)
	}

	resp, _ = http.Get(env.server.URL + "/api/conversations/" + id)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(env.server.URL + "/api/conversations")
	list := decodeBody(t, resp)
	conversations, _ := list["conversations"].([]any)
	if len(conversations) != 1 {
		t.Errorf("conversations = %v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/conversations/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(env.server.URL + "/api/conversations/" + id)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatStreamsSSE(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{reply: "hello back", title: "Quick Hello"})

	resp := env.postJSON(t, "/api/conversations", map[string]any{})
	created := decodeBody(t, resp)
	id := created["id"].(string)

	resp = env.postJSON(t, "/api/conversations/"+id+"/chat", map[string]any{"message": "hello"})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	want := []string{"thinking", "token", "assistant_message", "done"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}

	messages, err := env.store.ListMessages(context.Background(), id)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 || messages[1].Content != "hello back" {
		t.Errorf("stored messages = %+v", messages)
	}
}

func TestQueuedFollowUpRunsFollowOnTurn(t *testing.T) {
	provider := &gatedProvider{release: make(chan struct{})}
	env := newTestEnv(t, provider)

	resp := env.postJSON(t, "/api/conversations", map[string]any{"title": "queued"})
	created := decodeBody(t, resp)
	id := created["id"].(string)

	type streamResult struct {
		kinds []string
		err   error
	}
	results := make(chan streamResult, 1)
	go func() {
		raw, _ := json.Marshal(map[string]any{"message": "hello"})
		resp, err := http.Post(env.server.URL+"/api/conversations/"+id+"/chat", "application/json", bytes.NewReader(raw))
		if err != nil {
			results <- streamResult{err: err}
			return
		}
		defer resp.Body.Close()
		var kinds []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				kinds = append(kinds, strings.TrimPrefix(line, "event: "))
			}
		}
		results <- streamResult{kinds: kinds}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !env.gw.turnActive(id) {
		if time.Now().After(deadline) {
			t.Fatal("turn never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = env.postJSON(t, "/api/conversations/"+id+"/chat", map[string]any{"message": "one more thing"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("follow-up status = %d", resp.StatusCode)
	}
	ack := decodeBody(t, resp)
	if ack["queued"] != true {
		t.Fatalf("ack = %v", ack)
	}

	close(provider.release)

	var got streamResult
	select {
	case got = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never finished")
	}
	if got.err != nil {
		t.Fatalf("chat request: %v", got.err)
	}

	var sawQueued bool
	for _, kind := range got.kinds {
		if kind == "queued_message" {
			sawQueued = true
		}
	}
	if !sawQueued {
		t.Errorf("events = %v", got.kinds)
	}

	messages, err := env.store.ListMessages(context.Background(), id)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("stored %d messages: %+v", len(messages), messages)
	}
	if messages[2].Role != models.RoleUser || messages[2].Content != "one more thing" {
		t.Errorf("queued message stored as %+v", messages[2])
	}
	if messages[3].Role != models.RoleAssistant || messages[3].Content != "second reply" {
		t.Errorf("follow-on reply stored as %+v", messages[3])
	}
}

func TestChatMissingConversation(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{reply: "ok"})
	resp := env.postJSON(t, "/api/conversations/nope/chat", map[string]any{"message": "hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStopWithoutTurn(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{reply: "ok"})
	resp := env.postJSON(t, "/api/conversations/abc/stop", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestApprovalEndpoints(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{reply: "ok"})

	resp := env.postJSON(t, "/api/approvals/missing/approve", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing approval status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	id := env.broker.Request("Allow destructive command?", "web")

	done := make(chan bool, 1)
	go func() {
		done <- env.broker.Wait(context.Background(), id, 5*time.Second)
	}()

	// Give the waiter time to register before resolving.
	time.Sleep(50 * time.Millisecond)
	resp = env.postJSON(t, "/api/approvals/"+id+"/approve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	select {
	case approved := <-done:
		if !approved {
			t.Error("waiter saw denial")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestConfigEndpoint(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{reply: "ok"})
	resp, err := http.Get(env.server.URL + "/api/config")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body := decodeBody(t, resp)
	if body["model"] != "test-model" {
		t.Errorf("body = %v", body)
	}
	if body["process_id"] == "" {
		t.Error("missing process_id")
	}
}

func TestEventsEndpointStreamsBus(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{reply: "ok"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/events?channel=global:personal", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	// Publish once the subscription is up.
	go func() {
		time.Sleep(100 * time.Millisecond)
		env.bus.Publish(context.Background(), "global:personal", models.NewEvent(models.EventDone, nil))
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			if got := strings.TrimPrefix(line, "event: "); got != "done" {
				t.Errorf("event = %q", got)
			}
			return
		}
	}
	t.Fatal("no event received before timeout")
}

func TestAttachmentRoundTrip(t *testing.T) {
	env := newTestEnv(t, &cannedProvider{reply: "ok"})

	conv, err := env.store.CreateConversation(context.Background(), "files")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg, err := env.store.AppendMessage(context.Background(), conv.ID, models.RoleUser, "see attached")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	att, err := env.store.SaveAttachment(context.Background(), msg.ID, conv.ID, "notes.txt", "text/plain", []byte("hello file"), env.dataDir)
	if err != nil {
		t.Fatalf("save attachment: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/api/attachments/" + att.ID)
	if err != nil {
		t.Fatalf("GET attachment: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(got, "inline") {
		t.Errorf("disposition = %q", got)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if buf.String() != "hello file" {
		t.Errorf("body = %q", buf.String())
	}
}
