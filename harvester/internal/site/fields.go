package site

import (
	"context"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/harvester/capture"
	"github.com/hazyhaar/harvester/runstate"
)

// Strategy names reported as capture evidence.
const (
	StrategyRoleMarkdown = "role_markdown"
	StrategyRoleText     = "role_text"
	StrategyArticle      = "article"
	StrategyNone         = "none"
)

// FieldExtractor reads the visible transcript. Strategies run in order;
// the first that yields a non-empty turn wins.
type FieldExtractor struct {
	page     Evaluator
	cfg      Config
	policy   *bluemonday.Policy
	markdown *converter.Converter
}

// NewFieldExtractor returns a FieldExtractor over page.
func NewFieldExtractor(page Evaluator, cfg Config) *FieldExtractor {
	cfg.Defaults()
	return &FieldExtractor{
		page:   page,
		cfg:    cfg,
		policy: bluemonday.UGCPolicy(),
		markdown: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Extract implements capture.FieldExtractor.
func (f *FieldExtractor) Extract(ctx context.Context) (capture.Extraction, error) {
	var snap Snapshot
	if err := f.page.Eval(ctx, &snap, snapshotJS, f.cfg.ContentRoot); err != nil {
		return capture.Extraction{}, fmt.Errorf("site: snapshot content: %w", err)
	}
	if snap.HTML == "" {
		if err := f.page.Eval(ctx, &snap, snapshotJS, "body"); err != nil {
			return capture.Extraction{}, fmt.Errorf("site: snapshot body: %w", err)
		}
	}
	return f.Parse(snap)
}

// Parse runs the strategies over snap.
func (f *FieldExtractor) Parse(snap Snapshot) (capture.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return capture.Extraction{}, fmt.Errorf("site: parse content: %w", err)
	}

	strategies := []struct {
		name string
		run  func(*goquery.Document, string) []runstate.Turn
	}{
		{StrategyRoleMarkdown, f.roleMarkdown},
		{StrategyRoleText, f.roleText},
		{StrategyArticle, f.articles},
	}
	for _, s := range strategies {
		turns := s.run(doc, snap.BaseURL)
		if hasText(turns) {
			return capture.Extraction{Turns: number(turns), Strategy: s.name}, nil
		}
	}
	return capture.Extraction{Strategy: StrategyNone}, nil
}

// outermost drops matches nested inside another match.
func outermost(doc *goquery.Document, selector string) *goquery.Selection {
	return doc.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(selector).Length() == 0
	})
}

func (f *FieldExtractor) roleMarkdown(doc *goquery.Document, baseURL string) []runstate.Turn {
	var turns []runstate.Turn
	rich := false
	outermost(doc, f.cfg.TurnSelector).Each(func(_ int, s *goquery.Selection) {
		role := runstate.NormalizeRole(s.AttrOr(f.cfg.RoleAttr, ""))
		body := s.Find(f.cfg.BodySelector).First()
		var text string
		if body.Length() > 0 {
			if md, err := f.toMarkdown(body, baseURL); err == nil && md != "" {
				text, rich = md, true
			}
		}
		if text == "" {
			text = selectionText(s)
		}
		turns = append(turns, runstate.Turn{Role: role, Text: text})
	})
	if !rich {
		return nil
	}
	return turns
}

func (f *FieldExtractor) roleText(doc *goquery.Document, _ string) []runstate.Turn {
	var turns []runstate.Turn
	outermost(doc, f.cfg.TurnSelector).Each(func(_ int, s *goquery.Selection) {
		turns = append(turns, runstate.Turn{
			Role: runstate.NormalizeRole(s.AttrOr(f.cfg.RoleAttr, "")),
			Text: selectionText(s),
		})
	})
	return turns
}

func (f *FieldExtractor) articles(doc *goquery.Document, _ string) []runstate.Turn {
	var turns []runstate.Turn
	outermost(doc, f.cfg.ArticleSelector).Each(func(_ int, s *goquery.Selection) {
		role := runstate.RoleUnknown
		if r := s.Find("[" + f.cfg.RoleAttr + "]").First(); r.Length() > 0 {
			role = runstate.NormalizeRole(r.AttrOr(f.cfg.RoleAttr, ""))
		} else if v, ok := s.Attr("data-role"); ok {
			role = runstate.NormalizeRole(v)
		}
		turns = append(turns, runstate.Turn{Role: role, Text: selectionText(s)})
	})
	return turns
}

func (f *FieldExtractor) toMarkdown(s *goquery.Selection, baseURL string) (string, error) {
	raw, err := goquery.OuterHtml(s)
	if err != nil {
		return "", err
	}
	clean := f.policy.Sanitize(raw)
	var md string
	if baseURL != "" {
		md, err = f.markdown.ConvertString(clean, converter.WithDomain(baseURL))
	} else {
		md, err = f.markdown.ConvertString(clean)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}

func selectionText(s *goquery.Selection) string {
	var parts []string
	for _, n := range s.Nodes {
		if t := collectText(n); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func hasText(turns []runstate.Turn) bool {
	for _, t := range turns {
		if strings.TrimSpace(t.Text) != "" {
			return true
		}
	}
	return false
}

// number drops empty turns and assigns presentation indexes.
func number(turns []runstate.Turn) []runstate.Turn {
	out := make([]runstate.Turn, 0, len(turns))
	for _, t := range turns {
		t.Text = strings.TrimSpace(t.Text)
		if t.Text == "" {
			continue
		}
		t.Index = len(out)
		out = append(out, t)
	}
	return out
}
