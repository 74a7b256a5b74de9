package classifier

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/platforms"
)

var (
	contentSegments = map[string]bool{
		"video": true, "videos": true, "watch": true, "post": true, "posts": true,
		"detail": true, "status": true, "article": true, "articles": true, "note": true,
		"notes": true, "question": true, "answer": true, "item": true, "show": true,
		"read": true, "opus": true, "zvideo": true, "p": true,
	}
	negativeSegments = map[string]bool{
		"home": true, "login": true, "about": true, "settings": true, "setting": true,
		"help": true, "hot": true, "trending": true, "follow": true, "following": true,
		"followers": true, "notifications": true, "messages": true,
	}
	contentParams = []string{"id", "vid", "bvid", "aid", "mid", "note_id", "noteid", "item_id", "modal_id"}

	badTitle = regexp.MustCompile(`(?i)(登录|注册|首页|404|not found|error|sign in|log in|page not found)`)
)

// genericPatternFactor discounts generic fallback patterns against platform-specific ones
const genericPatternFactor = 0.8

// patternScore is the best matching target pattern minus the strongest negative pattern
func patternScore(u *url.URL, p *platforms.Platform, generic *platforms.Platform) float64 {
	path := u.Path
	if path == "" {
		path = "/"
	}

	best := bestMatch(p.TargetPatterns, path)
	if best == 0 && generic != nil && generic != p {
		best = bestMatch(generic.TargetPatterns, path) * genericPatternFactor
	}
	penalty := bestMatch(p.NegativePatterns, path)
	return clamp01(best - penalty)
}

func bestMatch(patterns []platforms.WeightedPattern, path string) float64 {
	best := 0.0
	for i := range patterns {
		if patterns[i].Match(path) && patterns[i].Confidence > best {
			best = patterns[i].Confidence
		}
	}
	return best
}

// structureScore scores the shape of the URL independently of any pattern table
func structureScore(u *url.URL, p *platforms.Platform) float64 {
	segments := common.PathSegments(u.Path)
	score := 0.0

	switch depth := len(segments); {
	case depth == 1:
		score += 0.1
	case depth <= 3:
		score += 0.2
	default:
		score += 0.15
	}

	content, ids, negative := false, 0, false
	for _, s := range segments {
		if contentSegments[s] {
			content = true
		}
		if negativeSegments[s] {
			negative = true
		}
		if common.IsIDSegment(s) {
			ids++
		}
	}
	if content {
		score += 0.3
	}
	if ids > 0 {
		score += 0.3
	}
	if ids > 1 {
		score += 0.05
	}
	if negative {
		score -= 0.3
	}

	q := u.Query()
	for _, name := range contentParams {
		if q.Get(name) != "" {
			score += 0.1
			break
		}
	}

	if hasAnySegment(segments, p.StructureBonus) {
		score += 0.1
	}

	return clamp01(score)
}

func hasAnySegment(segments, wanted []string) bool {
	for _, w := range wanted {
		w = strings.ToLower(w)
		for _, s := range segments {
			if s == w {
				return true
			}
		}
	}
	return false
}

// contentScore analyses a rendered document. It returns false when the document is empty.
func contentScore(html string, p *platforms.Platform) (float64, bool) {
	if strings.TrimSpace(html) == "" {
		return 0, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, false
	}
	doc.Find("script, style, noscript, template").Remove()

	score := 0.0

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && title == "" {
		title = strings.TrimSpace(og)
	}
	switch {
	case title == "":
	case badTitle.MatchString(title):
		score -= 0.2
	case len([]rune(title)) >= 5:
		score += 0.1
	}

	meta := 0.0
	for _, sel := range []string{
		`meta[property="og:title"]`,
		`meta[property="og:description"]`,
		`meta[property="og:image"]`,
		`meta[name="description"]`,
		`meta[name="author"], meta[property="article:author"]`,
	} {
		if doc.Find(sel).Length() > 0 {
			meta += 0.05
		}
	}
	if ogType, ok := doc.Find(`meta[property="og:type"]`).Attr("content"); ok {
		if strings.Contains(ogType, "article") || strings.Contains(ogType, "video") {
			meta += 0.05
		}
	}
	if meta > 0.2 {
		meta = 0.2
	}
	score += meta

	if doc.Find(`article, main, [role="main"]`).Length() > 0 {
		score += 0.15
	}

	body := doc.Find("body")
	text := []rune(strings.Join(strings.Fields(body.Text()), " "))
	switch {
	case len(text) > 1500:
		score += 0.2
	case len(text) > 500:
		score += 0.1
	}

	if body.Find("video").Length() > 0 {
		score += 0.15
	}
	if body.Find("img").Length() >= 3 {
		score += 0.05
	}

	for _, sel := range p.ContentContainers {
		if doc.Find(sel).Length() > 0 {
			score += 0.2
			break
		}
	}

	// link-dominated pages are feeds and navigation shells
	linkText := 0
	body.Find("a").Each(func(_ int, a *goquery.Selection) {
		linkText += len([]rune(strings.Join(strings.Fields(a.Text()), " ")))
	})
	if len(text) > 0 && float64(linkText)/float64(len(text)) > 0.6 {
		score -= 0.2
	}

	return clamp01(score), true
}
