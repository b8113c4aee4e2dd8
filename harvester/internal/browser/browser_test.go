package browser

import "testing"

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true, "script": true}
	cases := []struct {
		typ  string
		want bool
	}{
		{"Image", true},
		{"Font", true},
		{"Media", false},
		{"Stylesheet", false},
		{"Script", false},
		{"XHR", false},
		{"Document", false},
	}
	for _, c := range cases {
		if got := shouldBlock(set, c.typ); got != c.want {
			t.Errorf("shouldBlock(%q) = %v, want %v", c.typ, got, c.want)
		}
	}
}

func TestParseStealth(t *testing.T) {
	cases := map[string]StealthLevel{
		"":         LevelHeadless,
		"headless": LevelHeadless,
		"headful":  LevelHeadful,
		"plain":    LevelPlain,
	}
	for in, want := range cases {
		if got := ParseStealth(in); got != want {
			t.Errorf("ParseStealth(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestManager_DefaultsAndClosed(t *testing.T) {
	m := NewManager(Config{})
	if m.cfg.XvfbDisplay != ":99" || m.cfg.Logger == nil {
		t.Fatalf("defaults not applied: %+v", m.cfg)
	}
	if m.Browser() != nil {
		t.Fatal("browser before Start")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(t.Context()); err == nil {
		t.Fatal("Start after Close should fail")
	}
}
