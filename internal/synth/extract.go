package synth

import (
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/catalog-curator/internal/scrape"
)

// Extractor pulls fragrance fields out of a fetched product page. Parsing is
// best effort: a field that does not match is simply absent.
type Extractor struct {
	lang language.Tag
}

// NewExtractor creates an extractor normalising names for English text.
func NewExtractor() *Extractor {
	return &Extractor{lang: language.English}
}

// extraction holds per-call state. Casers are stateful and must not be
// shared between goroutines.
type extraction struct {
	title cases.Caser
	lower cases.Caser
}

var (
	scriptRe   = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	blockTagRe = regexp.MustCompile(`(?i)</?(p|div|br|li|ul|ol|h[1-6]|tr|section|article)[^>]*>`)
	tagRe      = regexp.MustCompile(`(?s)<[^>]+>`)
	spaceRe    = regexp.MustCompile(`[ \t\r\f\v]+`)

	metaContentRe = regexp.MustCompile(`(?is)<meta\s+[^>]*(?:property|name|itemprop)\s*=\s*"([^"]+)"[^>]*content\s*=\s*"([^"]*)"`)
	metaRevRe     = regexp.MustCompile(`(?is)<meta\s+[^>]*content\s*=\s*"([^"]*)"[^>]*(?:property|name|itemprop)\s*=\s*"([^"]+)"`)
	itemImageRe   = regexp.MustCompile(`(?is)<img\s+[^>]*itemprop\s*=\s*"image"[^>]*src\s*=\s*"([^"]+)"`)
	ratingPropRe  = regexp.MustCompile(`(?is)itemprop\s*=\s*"ratingValue"[^>]*>\s*([0-9]+(?:\.[0-9]+)?)\s*<`)
	accordBarRe   = regexp.MustCompile(`(?is)class\s*=\s*"[^"]*accord-bar[^"]*"[^>]*>\s*([^<]+?)\s*<`)
	mdImageRe     = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^)\s]+\.(?:jpe?g|png|webp)(?:\?[^)\s]*)?)\)`)

	notesRe = map[string]*regexp.Regexp{
		"top_notes":    regexp.MustCompile(`(?i)\btop notes?\s*(?:are|is|:)\s*([^;\n]+?)(?:;|\.(?:\s|$)|\n|$)`),
		"middle_notes": regexp.MustCompile(`(?i)\b(?:middle|heart) notes?\s*(?:are|is|:)\s*([^;\n]+?)(?:;|\.(?:\s|$)|\n|$)`),
		"base_notes":   regexp.MustCompile(`(?i)\bbase notes?\s*(?:are|is|:)\s*([^;\n]+?)(?:;|\.(?:\s|$)|\n|$)`),
	}
	ratingTextRe = regexp.MustCompile(`(?i)\b(?:rating|rated)\s*(?:value)?\s*[:=]?\s*([0-5](?:\.[0-9]{1,2})?)\s*(?:/|out of)\s*5\b`)
	yearRe       = regexp.MustCompile(`(?i)\b(?:launched|released|introduced|created)\s+in\s+(1[7-9][0-9]{2}|20[0-9]{2})\b`)
	perfumerRe   = regexp.MustCompile(`(?i)\bnoses?\s+behind\s+this\s+fragrance\s+(?:is|are)\s+([^.\n]+)`)
	perfumerKVRe = regexp.MustCompile(`(?im)^\s*(?:perfumers?|nose)\s*:\s*(.+)$`)
	accordsKVRe  = regexp.MustCompile(`(?im)^\s*main accords?\s*:\s*(.+)$`)
	listSplitRe  = regexp.MustCompile(`\s*(?:,|;|&|\band\b)\s*`)

	concentrationRes = []struct {
		re    *regexp.Regexp
		value string
	}{
		{regexp.MustCompile(`(?i)\bextrait(?:\s+de\s+parfum)?\b`), "extrait"},
		{regexp.MustCompile(`(?i)\beau\s+de\s+parfum\b`), "edp"},
		{regexp.MustCompile(`(?i)\beau\s+de\s+toilette\b`), "edt"},
		{regexp.MustCompile(`(?i)\beau\s+de\s+cologne\b`), "edc"},
		{regexp.MustCompile(`(?i)\bperfume\s+oil\b`), "oil"},
	}
	genderRes = []struct {
		re    *regexp.Regexp
		value string
	}{
		{regexp.MustCompile(`(?i)\bfor\s+(?:women\s+and\s+men|men\s+and\s+women)\b`), "unisex"},
		{regexp.MustCompile(`(?i)\bunisex\b`), "unisex"},
		{regexp.MustCompile(`(?i)\bfor\s+women\b`), "female"},
		{regexp.MustCompile(`(?i)\bfor\s+men\b`), "male"},
	}
)

// Extract returns the fields recognised in doc as JSON-shaped values.
func (x *Extractor) Extract(doc *scrape.Document) map[string]any {
	out := make(map[string]any)
	if doc == nil || strings.TrimSpace(doc.Body) == "" {
		return out
	}
	e := &extraction{title: cases.Title(x.lang), lower: cases.Lower(x.lang)}

	text := doc.Body
	if doc.IsHTML() {
		e.extractHTML(doc, out)
		text = htmlToText(doc.Body)
	} else {
		e.extractMarkdown(doc, out)
	}

	for field, re := range notesRe {
		if m := re.FindStringSubmatch(text); m != nil {
			if notes := e.list(m[1], e.title); len(notes) > 0 {
				out[field] = notes
			}
		}
	}

	if _, ok := out["rating"]; !ok {
		if m := ratingTextRe.FindStringSubmatch(text); m != nil {
			if r, err := strconv.ParseFloat(m[1], 64); err == nil {
				out["rating"] = r
			}
		}
	}

	if m := yearRe.FindStringSubmatch(text); m != nil {
		if y, err := strconv.Atoi(m[1]); err == nil {
			out["year"] = float64(y)
		}
	}

	perfumers := e.matchList(text, e.title, perfumerRe, perfumerKVRe)
	if len(perfumers) > 0 {
		out["perfumers"] = perfumers
	}

	if _, ok := out["accords"]; !ok {
		if accords := e.matchList(text, e.lower, accordsKVRe); len(accords) > 0 {
			out["accords"] = accords
		}
	}

	headline := doc.Title + "\n" + firstLine(text)
	for _, c := range concentrationRes {
		if c.re.MatchString(headline) {
			out["concentration"] = c.value
			break
		}
	}
	for _, g := range genderRes {
		if g.re.MatchString(headline) {
			out["gender"] = g.value
			break
		}
	}
	return out
}

func (e *extraction) extractHTML(doc *scrape.Document, out map[string]any) {
	meta := metaTags(doc.Body)

	desc := meta["og:description"]
	if desc == "" {
		desc = meta["description"]
	}
	if desc = strings.TrimSpace(html.UnescapeString(desc)); desc != "" {
		out["description"] = desc
	}

	var images []any
	seen := map[string]bool{}
	addImage := func(raw string) {
		u := absoluteURL(doc.URL, html.UnescapeString(strings.TrimSpace(raw)))
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		images = append(images, u)
	}
	addImage(meta["og:image"])
	for _, m := range itemImageRe.FindAllStringSubmatch(doc.Body, -1) {
		addImage(m[1])
	}
	if len(images) > 0 {
		out["image_url"] = images[0]
		out["images"] = images
	}

	if v := meta["ratingValue"]; v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			out["rating"] = r
		}
	} else if m := ratingPropRe.FindStringSubmatch(doc.Body); m != nil {
		if r, err := strconv.ParseFloat(m[1], 64); err == nil {
			out["rating"] = r
		}
	}

	var accords []any
	seenAccord := map[string]bool{}
	for _, m := range accordBarRe.FindAllStringSubmatch(doc.Body, -1) {
		a := e.lower.String(strings.TrimSpace(html.UnescapeString(m[1])))
		if a == "" || seenAccord[a] {
			continue
		}
		seenAccord[a] = true
		accords = append(accords, a)
	}
	if len(accords) > 0 {
		out["accords"] = accords
	}
}

func (e *extraction) extractMarkdown(doc *scrape.Document, out map[string]any) {
	var images []any
	seen := map[string]bool{}
	for _, m := range mdImageRe.FindAllStringSubmatch(doc.Body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			images = append(images, m[1])
		}
	}
	if len(images) > 0 {
		out["image_url"] = images[0]
		out["images"] = images
	}

	for _, para := range strings.Split(doc.Body, "\n\n") {
		p := strings.TrimSpace(para)
		if len(p) < 80 || strings.HasPrefix(p, "#") || strings.HasPrefix(p, "!") ||
			strings.HasPrefix(p, "[") || strings.HasPrefix(p, "|") || strings.HasPrefix(p, "-") {
			continue
		}
		out["description"] = strings.Join(strings.Fields(p), " ")
		break
	}
}

func (e *extraction) matchList(text string, c cases.Caser, res ...*regexp.Regexp) []any {
	for _, re := range res {
		if m := re.FindStringSubmatch(text); m != nil {
			if items := e.list(m[1], c); len(items) > 0 {
				return items
			}
		}
	}
	return nil
}

// list splits "A, B and C" into normalised, de-duplicated items.
func (e *extraction) list(raw string, c cases.Caser) []any {
	var out []any
	seen := map[string]bool{}
	for _, part := range listSplitRe.Split(strings.TrimSpace(raw), -1) {
		part = strings.Trim(part, " .:*_\"'")
		if part == "" || len(part) > 60 {
			continue
		}
		norm := c.String(part)
		key := strings.ToLower(norm)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, norm)
	}
	return out
}

func metaTags(body string) map[string]string {
	meta := make(map[string]string)
	for _, m := range metaContentRe.FindAllStringSubmatch(body, -1) {
		if _, ok := meta[m[1]]; !ok {
			meta[m[1]] = m[2]
		}
	}
	for _, m := range metaRevRe.FindAllStringSubmatch(body, -1) {
		if _, ok := meta[m[2]]; !ok {
			meta[m[2]] = m[1]
		}
	}
	return meta
}

func htmlToText(body string) string {
	s := scriptRe.ReplaceAllString(body, " ")
	s = blockTagRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(spaceRe.ReplaceAllString(l, " "))
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

func absoluteURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if !r.IsAbs() {
		b, err := url.Parse(base)
		if err != nil || !b.IsAbs() {
			return ""
		}
		r = b.ResolveReference(r)
	}
	if r.Scheme != "http" && r.Scheme != "https" {
		return ""
	}
	return r.String()
}
