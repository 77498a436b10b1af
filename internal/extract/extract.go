// Package extract turns rendered page HTML into resource records.
//
// Two variants exist, one for search/listing pages and one for author
// profile pages. Both are pure functions over the HTML: a card that lacks a
// link or an image is skipped and the rest are returned in page order.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/gleaner/internal/utils"
)

const (
	ListingReadySelector = ".list-content"
	ProfileReadySelector = ".showcase"
)

var (
	listingCardSelectors = []string{".list-content__item", ".list-content figure"}
	profileCardSelectors = []string{".showcase__item", ".gallery-item", `article[data-type="image"]`}
	titleSelectors       = []string{".title", "figcaption", ".caption", ".description"}
)

// Content is a rendered page together with the URL it was loaded from.
// Relative links in HTML resolve against URL.
type Content struct {
	URL  string
	HTML string
}

// Func is the signature shared by both extraction variants.
type Func func(Content) []utils.Resource

// IsProfileURL reports whether the URL points at an author profile.
func IsProfileURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, "/author/")
}

// ForURL selects the extraction variant and the readiness selector the page
// acquirer should wait for.
func ForURL(rawURL string) (Func, string) {
	if IsProfileURL(rawURL) {
		return ExtractProfile, ProfileReadySelector
	}
	return ExtractListing, ListingReadySelector
}

func ExtractListing(content Content) []utils.Resource {
	return extractCards(content, listingCardSelectors, utils.KindPhoto)
}

func ExtractProfile(content Content) []utils.Resource {
	return extractCards(content, profileCardSelectors, utils.KindResource)
}

func extractCards(content Content, cardSelectors []string, kind utils.ResourceKind) []utils.Resource {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content.HTML))
	if err != nil {
		log.Warn().Str("op", "extract/cards").Err(err).Msg("unparseable page content")
		return []utils.Resource{}
	}
	base, _ := url.Parse(content.URL)

	// first selector with any match wins, same order the page is scanned in
	var cards *goquery.Selection
	for _, sel := range cardSelectors {
		if found := doc.Find(sel); found.Length() > 0 {
			cards = found
			break
		}
	}
	resources := []utils.Resource{}
	if cards == nil {
		log.Debug().Str("op", "extract/cards").Msg("no cards found")
		return resources
	}

	skipped := 0
	cards.Each(func(i int, card *goquery.Selection) {
		res, ok := extractCard(card, base, kind)
		if !ok {
			skipped++
			return
		}
		resources = append(resources, res)
	})
	log.Info().Str("op", "extract/cards").Msgf("extracted %d resources (%d cards skipped)", len(resources), skipped)
	return resources
}

func extractCard(card *goquery.Selection, base *url.URL, kind utils.ResourceKind) (utils.Resource, bool) {
	href := cardLink(card)
	if href == "" {
		return utils.Resource{}, false
	}
	img := card.Find("img").First()
	if img.Length() == 0 {
		return utils.Resource{}, false
	}
	preview := strings.TrimSpace(img.AttrOr("data-src", ""))
	if preview == "" {
		preview = strings.TrimSpace(img.AttrOr("src", ""))
	}

	return utils.Resource{
		URL:        resolve(base, href),
		Title:      cardTitle(card, img),
		Kind:       kind,
		PreviewURL: resolve(base, preview),
	}, true
}

func cardLink(card *goquery.Selection) string {
	candidates := []*goquery.Selection{
		card.Find("a.list-content__link").First(),
		card.Find("a[href]").First(),
		card.Closest("a[href]"),
	}
	for _, a := range candidates {
		if href := strings.TrimSpace(a.AttrOr("href", "")); href != "" {
			return href
		}
	}
	return ""
}

func cardTitle(card, img *goquery.Selection) string {
	for _, sel := range titleSelectors {
		if text := strings.TrimSpace(card.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	if alt := strings.TrimSpace(img.AttrOr("alt", "")); alt != "" {
		return alt
	}
	return utils.UntitledTitle
}

func resolve(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
