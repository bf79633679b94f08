// Package extract turns fetched catalog HTML into typed records.
//
// Each record kind is extracted by an ordered list of strategies; the first
// strategy that yields anything wins. Extraction never fails: a page that
// matches nothing produces an empty slice, and whether that is acceptable is
// the caller's decision.
package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/partscout/partscout/internal/patterns"
	"github.com/partscout/partscout/internal/types"
)

var (
	// Embedded JSON fragments in listing pages. The site inlines catalog
	// objects into script tags; attribute order is stable per shape.
	manufacturerJSONRe = regexp.MustCompile(`"code"\s*:\s*"([^"]+)"\s*,\s*"name"\s*:\s*"([^"]+)"\s*,\s*"uri"\s*:\s*"([^"]+)"`)
	modelJSONRe        = regexp.MustCompile(`"modelCode"\s*:\s*"([^"]+)"\s*,\s*"modelName"\s*:\s*"([^"]+)"`)
	modelJSONFlippedRe = regexp.MustCompile(`"modelName"\s*:\s*"([^"]+)"\s*,\s*"modelCode"\s*:\s*"([^"]+)"`)
	modelCountRe       = regexp.MustCompile(`"modelCount"\s*:\s*(\d+)`)

	// Manual documents live under a fixed asset prefix
	manualLinkRe = regexp.MustCompile(`(/modelManual/[^"'\s<>]+)`)

	// Precompiled selector for the data-attribute model strategy
	dataModelSel = cascadia.MustCompile("[data-model-code]")
)

// Extractor extracts catalog records from page HTML using the active
// pattern set.
type Extractor struct {
	patterns *patterns.Manager
}

// New creates an Extractor backed by the given pattern manager.
func New(pm *patterns.Manager) *Extractor {
	return &Extractor{patterns: pm}
}

// Manufacturers extracts manufacturer records from a brand listing page.
func (e *Extractor) Manufacturers(pageHTML string) []types.Manufacturer {
	for _, strategy := range []func(string) []types.Manufacturer{
		e.manufacturersFromJSON,
		e.manufacturersFromTiles,
	} {
		if out := strategy(pageHTML); len(out) > 0 {
			return out
		}
	}
	return []types.Manufacturer{}
}

// manufacturersFromJSON scans inlined catalog objects.
func (e *Extractor) manufacturersFromJSON(pageHTML string) []types.Manufacturer {
	matches := manufacturerJSONRe.FindAllStringSubmatchIndex(pageHTML, -1)
	out := make([]types.Manufacturer, 0, len(matches))
	seen := make(map[string]struct{})

	for _, idx := range matches {
		m := types.Manufacturer{
			Code: pageHTML[idx[2]:idx[3]],
			Name: pageHTML[idx[4]:idx[5]],
			URI:  strings.Trim(pageHTML[idx[6]:idx[7]], "/"),
		}
		if !e.keepRecord(m.Name, m.URI) {
			continue
		}
		// The object may carry a model count right after the uri field
		tail := pageHTML[idx[1]:]
		if end := strings.IndexByte(tail, '}'); end >= 0 {
			if cm := modelCountRe.FindStringSubmatch(tail[:end]); cm != nil {
				m.ModelCount = atoiSafe(cm[1])
			}
		}
		if _, dup := seen[m.Key()]; dup {
			continue
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	}
	return out
}

// manufacturersFromTiles scans anchor tiles linking to per-brand parts pages.
func (e *Extractor) manufacturersFromTiles(pageHTML string) []types.Manufacturer {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}

	var out []types.Manufacturer
	seen := make(map[string]struct{})

	doc.Find(`a[href$="/parts"]`).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		segs := pathSegments(href)
		// Brand pages are exactly {uri}/parts; deeper paths are models
		if len(segs) != 2 {
			return
		}
		m := types.Manufacturer{
			Name: strings.TrimSpace(s.Text()),
			URI:  segs[0],
		}
		if !e.keepRecord(m.Name, href) {
			return
		}
		if _, dup := seen[m.Key()]; dup {
			return
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	})
	return out
}

// Models extracts model records for one manufacturer from a listing page.
// manufacturerURI scopes anchor matching so links to other brands on the
// same page are ignored.
func (e *Extractor) Models(pageHTML, manufacturerURI string) []types.Model {
	for _, strategy := range []func(string, string) []types.Model{
		e.modelsFromAnchors,
		e.modelsFromDataAttrs,
		e.modelsFromJSON,
	} {
		if out := strategy(pageHTML, manufacturerURI); len(out) > 0 {
			return out
		}
	}
	return []types.Model{}
}

// modelsFromAnchors scans parts-page links scoped under the manufacturer.
func (e *Extractor) modelsFromAnchors(pageHTML, manufacturerURI string) []types.Model {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}

	var out []types.Model
	seen := make(map[string]struct{})
	prefix := strings.ToLower(manufacturerURI)

	doc.Find(`a[href*="/parts"]`).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		segs := pathSegments(href)
		// Model pages are {manufacturerURI}/{modelCode}/parts
		if len(segs) != 3 || !strings.EqualFold(segs[0], prefix) || segs[2] != "parts" {
			return
		}
		m := types.Model{
			Code: segs[1],
			Name: strings.TrimSpace(s.Text()),
			URL:  href,
		}
		if m.Name == "" {
			m.Name = m.Code
		}
		if !e.keepRecord(m.Name, href) {
			return
		}
		if _, dup := seen[m.Key()]; dup {
			return
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	})
	return out
}

// modelsFromDataAttrs scans elements carrying data-model-code attributes.
func (e *Extractor) modelsFromDataAttrs(pageHTML, _ string) []types.Model {
	root, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}

	var out []types.Model
	seen := make(map[string]struct{})

	for _, node := range cascadia.QueryAll(root, dataModelSel) {
		var code, name string
		for _, attr := range node.Attr {
			switch attr.Key {
			case "data-model-code":
				code = strings.TrimSpace(attr.Val)
			case "data-model-name":
				name = strings.TrimSpace(attr.Val)
			}
		}
		if code == "" {
			continue
		}
		if name == "" {
			name = strings.TrimSpace(nodeText(node))
		}
		if name == "" {
			name = code
		}
		m := types.Model{Code: code, Name: name}
		if !e.keepRecord(m.Name, "") {
			continue
		}
		if _, dup := seen[m.Key()]; dup {
			continue
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	}
	return out
}

// modelsFromJSON scans inlined model objects in script content.
func (e *Extractor) modelsFromJSON(pageHTML, _ string) []types.Model {
	var out []types.Model
	seen := make(map[string]struct{})

	add := func(code, name string) {
		code = strings.TrimSpace(code)
		name = strings.TrimSpace(name)
		if code == "" {
			return
		}
		if name == "" {
			name = code
		}
		m := types.Model{Code: code, Name: name}
		if !e.keepRecord(m.Name, "") {
			return
		}
		if _, dup := seen[m.Key()]; dup {
			return
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	}

	for _, sub := range modelJSONRe.FindAllStringSubmatch(pageHTML, -1) {
		add(sub[1], sub[2])
	}
	for _, sub := range modelJSONFlippedRe.FindAllStringSubmatch(pageHTML, -1) {
		add(sub[2], sub[1])
	}
	return out
}

// Manuals extracts manual documents from a model page.
func (e *Extractor) Manuals(pageHTML string) []types.Manual {
	for _, strategy := range []func(string) []types.Manual{
		e.manualsFromLinks,
		e.manualsFromAnchors,
	} {
		if out := strategy(pageHTML); len(out) > 0 {
			return out
		}
	}
	return []types.Manual{}
}

// manualsFromLinks scans the raw HTML for manual asset paths. This catches
// links assembled in script as well as plain anchors.
func (e *Extractor) manualsFromLinks(pageHTML string) []types.Manual {
	var out []types.Manual
	seen := make(map[string]struct{})

	for _, sub := range manualLinkRe.FindAllStringSubmatch(pageHTML, -1) {
		link := strings.TrimRight(sub[1], `\`)
		m := e.classify(link, "")
		if _, dup := seen[m.Key()]; dup {
			continue
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	}
	return out
}

// manualsFromAnchors scans anchor elements, picking up link text for titles
// the filename table cannot classify.
func (e *Extractor) manualsFromAnchors(pageHTML string) []types.Manual {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}

	var out []types.Manual
	seen := make(map[string]struct{})

	doc.Find(`a[href*="/modelManual/"]`).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		m := e.classify(href, strings.TrimSpace(s.Text()))
		if _, dup := seen[m.Key()]; dup {
			return
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	})
	return out
}

// classify determines a manual's type and title from its filename using the
// suffix table; rules are checked in order and the first match wins.
func (e *Extractor) classify(link, linkText string) types.Manual {
	lower := strings.ToLower(link)
	for _, rule := range e.patterns.Get().ManualTypes {
		if strings.Contains(lower, rule.Suffix) {
			return types.Manual{
				Type:  types.ManualType(rule.Code),
				Title: rule.Title,
				Link:  link,
			}
		}
	}

	title := linkText
	if title == "" {
		title = baseName(link)
	}
	return types.Manual{
		Type:  types.ManualUnknown,
		Title: title,
		Link:  link,
	}
}

// keepRecord filters out navigation chrome posing as records.
func (e *Extractor) keepRecord(name, href string) bool {
	if strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return false
	}
	name = strings.TrimSpace(name)
	if name == "" && href == "" {
		return false
	}
	for _, chrome := range e.patterns.Get().ChromeText {
		if strings.EqualFold(name, chrome) {
			return false
		}
	}
	return true
}

// pathSegments splits a URL path into its non-empty segments, dropping any
// scheme/host prefix, query and fragment.
func pathSegments(href string) []string {
	if i := strings.Index(href, "://"); i >= 0 {
		rest := href[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			href = rest[j:]
		} else {
			href = ""
		}
	}
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	var segs []string
	for _, s := range strings.Split(href, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// baseName returns the final path element of a link.
func baseName(link string) string {
	if i := strings.IndexAny(link, "?#"); i >= 0 {
		link = link[:i]
	}
	if i := strings.LastIndexByte(link, '/'); i >= 0 {
		link = link[i+1:]
	}
	return link
}

// nodeText collects the text content below an HTML node.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// atoiSafe parses a digit-only string captured by regex.
func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
