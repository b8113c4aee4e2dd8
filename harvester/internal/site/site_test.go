package site

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/harvester/enumerate"
	"github.com/hazyhaar/harvester/runstate"
)

// fakePage answers Eval calls by script.
type fakePage struct {
	results map[string]any
	calls   []string
	args    [][]any

	bound     map[string]func(string)
	installed []string
}

func newFakePage() *fakePage {
	return &fakePage{results: map[string]any{}, bound: map[string]func(string){}}
}

func (p *fakePage) Eval(_ context.Context, out any, js string, args ...any) error {
	p.calls = append(p.calls, js)
	p.args = append(p.args, args)
	v, ok := p.results[js]
	if !ok {
		return errors.New("unexpected script")
	}
	if fn, ok := v.(func(args []any) any); ok {
		v = fn(args)
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *fakePage) Install(_ context.Context, fn string) error {
	p.installed = append(p.installed, fn)
	return nil
}

func (p *fakePage) Bind(_ context.Context, name string, fn func(string)) error {
	p.bound[name] = fn
	return nil
}

const listHTML = `<nav data-harvester-list="1">
  <a href="/c/aaa">First chat</a>
  <a href="/c/bbb#top"><span>Second</span>   chat</a>
  <a href="https://chat.test/c/aaa/">First again</a>
  <a href="/settings">Settings</a>
  <a href="/c/ccc" title="Third"></a>
  <a href="javascript:void(0)">noop</a>
</nav>`

func TestLinkExtractor_Parse(t *testing.T) {
	e, err := NewLinkExtractor(Config{ItemPattern: `/c/[^/]+$`})
	if err != nil {
		t.Fatal(err)
	}
	refs, err := e.Parse(Snapshot{HTML: listHTML, BaseURL: "https://chat.test/"})
	if err != nil {
		t.Fatal(err)
	}
	want := []runstate.ItemRef{
		{ID: "https://chat.test/c/aaa", URL: "https://chat.test/c/aaa", Label: "First chat"},
		{ID: "https://chat.test/c/bbb", URL: "https://chat.test/c/bbb", Label: "Second chat"},
		{ID: "https://chat.test/c/ccc", URL: "https://chat.test/c/ccc", Label: "Third"},
	}
	if len(refs) != len(want) {
		t.Fatalf("got %d refs: %+v", len(refs), refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref %d = %+v, want %+v", i, refs[i], want[i])
		}
	}
}

func TestLinkExtractor_BadPattern(t *testing.T) {
	if _, err := NewLinkExtractor(Config{ItemPattern: "("}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

type plainContainer struct{}

func (plainContainer) ScrollBy(context.Context, int) error      { return nil }
func (plainContainer) Scrollable(context.Context) (bool, error) { return true, nil }

func TestLinkExtractor_ExtractNeedsSnapshot(t *testing.T) {
	e, _ := NewLinkExtractor(Config{})
	if _, err := e.Extract(context.Background(), plainContainer{}); err == nil {
		t.Fatal("expected error for container without snapshot")
	}
}

func TestLocator_FoundAndScroll(t *testing.T) {
	page := newFakePage()
	page.results[locateJS] = map[string]any{"found": true, "links": 4, "tag": "nav"}
	page.results[scrollJS] = true
	page.results[scrollableJS] = true
	page.results[snapshotJS] = map[string]any{"html": listHTML, "base": "https://chat.test/"}

	loc := NewLocator(page, Config{ContainerHints: []string{"nav"}})
	c, err := loc.Locate(context.Background())
	if err != nil || c == nil {
		t.Fatalf("locate: %v, %v", c, err)
	}
	cfg := page.args[0][0].(map[string]any)
	if cfg["linkSelector"] != "a[href]" {
		t.Errorf("link selector arg = %v", cfg["linkSelector"])
	}

	if err := c.ScrollBy(context.Background(), 900); err != nil {
		t.Fatalf("scroll: %v", err)
	}
	if ok, err := c.Scrollable(context.Background()); err != nil || !ok {
		t.Fatalf("scrollable = %v, %v", ok, err)
	}

	e, _ := NewLinkExtractor(Config{ItemPattern: `/c/`})
	refs, err := e.Extract(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 3 {
		t.Errorf("refs = %d, want 3", len(refs))
	}
}

func TestLocator_NotFound(t *testing.T) {
	page := newFakePage()
	page.results[locateJS] = map[string]any{"found": false}
	c, err := NewLocator(page, Config{}).Locate(context.Background())
	if err != nil || c != nil {
		t.Fatalf("got %v, %v; want nil, nil", c, err)
	}
}

func TestContainer_Lost(t *testing.T) {
	page := newFakePage()
	page.results[scrollJS] = false
	page.results[snapshotJS] = map[string]any{"html": "", "base": "https://chat.test/"}
	c := &Container{page: page}
	if err := c.ScrollBy(context.Background(), 10); !errors.Is(err, ErrContainerLost) {
		t.Errorf("scroll err = %v", err)
	}
	if _, err := c.Snapshot(context.Background()); !errors.Is(err, ErrContainerLost) {
		t.Errorf("snapshot err = %v", err)
	}
	var _ enumerate.Container = c
}

const richHTML = `<main>
  <div data-message-author-role="user"><div class="whitespace-pre-wrap">How do I list files?</div></div>
  <div data-message-author-role="assistant">
    <div class="markdown prose"><p>Use <strong>ls</strong>.</p><script>alert(1)</script></div>
    <button>Copy</button>
  </div>
</main>`

func TestFieldExtractor_RoleMarkdown(t *testing.T) {
	f := NewFieldExtractor(newFakePage(), Config{})
	ex, err := f.Parse(Snapshot{HTML: richHTML, BaseURL: "https://chat.test/c/aaa"})
	if err != nil {
		t.Fatal(err)
	}
	if ex.Strategy != StrategyRoleMarkdown {
		t.Fatalf("strategy = %q", ex.Strategy)
	}
	if len(ex.Turns) != 2 {
		t.Fatalf("turns = %+v", ex.Turns)
	}
	if ex.Turns[0].Role != runstate.RoleUser || ex.Turns[0].Text != "How do I list files?" {
		t.Errorf("turn 0 = %+v", ex.Turns[0])
	}
	a := ex.Turns[1]
	if a.Role != runstate.RoleAssistant || a.Index != 1 {
		t.Errorf("turn 1 = %+v", a)
	}
	if !strings.Contains(a.Text, "**ls**") || strings.Contains(a.Text, "alert") {
		t.Errorf("assistant markdown = %q", a.Text)
	}
}

func TestFieldExtractor_RoleText(t *testing.T) {
	html := `<main>
  <div data-message-author-role="user"><p>one</p><p>two</p></div>
  <div data-message-author-role="assistant"><span style="display:none">secret</span>three<br>four<pre>a  b
  c</pre></div>
</main>`
	f := NewFieldExtractor(newFakePage(), Config{})
	ex, err := f.Parse(Snapshot{HTML: html})
	if err != nil {
		t.Fatal(err)
	}
	if ex.Strategy != StrategyRoleText {
		t.Fatalf("strategy = %q", ex.Strategy)
	}
	if ex.Turns[0].Text != "one\ntwo" {
		t.Errorf("turn 0 = %q", ex.Turns[0].Text)
	}
	if ex.Turns[1].Text != "three\nfour\na  b\n  c" {
		t.Errorf("turn 1 = %q", ex.Turns[1].Text)
	}
}

func TestFieldExtractor_Articles(t *testing.T) {
	html := `<main>
  <article data-role="user">Hello</article>
  <article><div data-speaker="bot">Hi!</div></article>
  <article>   </article>
</main>`
	f := NewFieldExtractor(newFakePage(), Config{})
	ex, err := f.Parse(Snapshot{HTML: html})
	if err != nil {
		t.Fatal(err)
	}
	if ex.Strategy != StrategyArticle || len(ex.Turns) != 2 {
		t.Fatalf("got %+v", ex)
	}
	if ex.Turns[0].Role != runstate.RoleUser || ex.Turns[1].Role != runstate.RoleUnknown {
		t.Errorf("roles = %s, %s", ex.Turns[0].Role, ex.Turns[1].Role)
	}
}

func TestFieldExtractor_NothingVisible(t *testing.T) {
	f := NewFieldExtractor(newFakePage(), Config{})
	ex, err := f.Parse(Snapshot{HTML: `<main><div class="spinner"></div></main>`})
	if err != nil {
		t.Fatal(err)
	}
	if ex.Strategy != StrategyNone || len(ex.Turns) != 0 {
		t.Errorf("got %+v", ex)
	}
}

func TestFieldExtractor_ExtractFallsBackToBody(t *testing.T) {
	page := newFakePage()
	page.results[snapshotJS] = func(args []any) any {
		if args[0] == "main" {
			return map[string]any{"html": "", "base": "https://chat.test/c/aaa"}
		}
		return map[string]any{"html": `<body><div data-message-author-role="user">hey</div></body>`, "base": "https://chat.test/c/aaa"}
	}
	ex, err := NewFieldExtractor(page, Config{}).Extract(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ex.Turns) != 1 || ex.Turns[0].Text != "hey" {
		t.Errorf("turns = %+v", ex.Turns)
	}
	if len(page.calls) != 2 {
		t.Errorf("eval calls = %d, want 2", len(page.calls))
	}
}

func TestBusyProbe(t *testing.T) {
	page := newFakePage()
	page.results[busyJS] = true
	busy, err := NewBusyProbe(page, Config{BusySelector: "#stop"}).Busy(context.Background())
	if err != nil || !busy {
		t.Fatalf("busy = %v, %v", busy, err)
	}
	if page.args[0][0] != "#stop" {
		t.Errorf("selector arg = %v", page.args[0][0])
	}
}

func TestRouteFeed_ForwardsChanges(t *testing.T) {
	page := newFakePage()
	var got []string
	if err := NewRouteFeed(page, nil).Start(context.Background(), func(u string) { got = append(got, u) }); err != nil {
		t.Fatal(err)
	}
	if len(page.installed) != 1 || page.installed[0] != routeJS {
		t.Fatalf("installed = %d scripts", len(page.installed))
	}
	page.bound[routeBinding]("https://chat.test/c/aaa")
	page.bound[routeBinding]("https://chat.test/")
	if len(got) != 2 || got[0] != "https://chat.test/c/aaa" {
		t.Errorf("changes = %v", got)
	}
}

func TestMutationFeed_CoalescesAndReleases(t *testing.T) {
	page := newFakePage()
	m := NewMutationFeed(page)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch, release := m.Changes(context.Background())

	page.bound[mutationBinding]("")
	page.bound[mutationBinding]("")
	select {
	case <-ch:
	default:
		t.Fatal("no notification")
	}
	select {
	case <-ch:
		t.Fatal("burst not coalesced")
	default:
	}

	release()
	release()
	page.bound[mutationBinding]("")
	select {
	case <-ch:
		t.Fatal("notified after release")
	default:
	}
}
