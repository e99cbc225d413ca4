package feed

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/mediatypes"

	"github.com/beevik/etree"
)

var (
	// ErrMalformedEnclosure marks an enclosure without a usable source URL.
	// Such enclosures are left as they are and listed in Report.Skipped.
	ErrMalformedEnclosure = errors.New("malformed enclosure")

	// ErrMalformedFeed is returned when the document is not a readable
	// RSS or Atom feed.
	ErrMalformedFeed = errors.New("malformed feed")
)

// Skipped records an enclosure the rewriter left untouched.
type Skipped struct {
	Item string `json:"item"`
	URL  string `json:"url,omitempty"`
	Err  error  `json:"-"`
}

func (s Skipped) String() string {
	return fmt.Sprintf("%s (%s): %v", s.Item, s.URL, s.Err)
}

// Report summarises one rewrite.
type Report struct {
	Title      string    `json:"title,omitempty"`
	Items      int       `json:"items"`
	Enclosures int       `json:"enclosures"`
	Rewritten  int       `json:"rewritten"`
	Skipped    []Skipped `json:"skipped,omitempty"`
}

// Rewriter points feed enclosures at the playback endpoint.
type Rewriter struct {
	base string
}

// NewRewriter returns a Rewriter that builds playback URLs under
// publicBaseURL, for example "https://audio.example.com".
func NewRewriter(publicBaseURL string) (*Rewriter, error) {
	u, err := url.Parse(strings.TrimSpace(publicBaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid public base URL %q", publicBaseURL)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return &Rewriter{base: strings.TrimRight(u.String(), "/")}, nil
}

// Rewrite copies the feed from src to dst with every enclosure URL
// replaced by a playback URL for params p. Enclosures are never transcoded
// here; production happens on first playback.
func (r *Rewriter) Rewrite(src io.Reader, dst io.Writer, p fingerprint.Params) (Report, error) {
	return r.RewriteWithBase(src, dst, p, "")
}

// RewriteWithBase is Rewrite with relative enclosure URLs resolved against
// feedURL, normally the address the feed was fetched from.
func (r *Rewriter) RewriteWithBase(src io.Reader, dst io.Writer, p fingerprint.Params, feedURL string) (Report, error) {
	var report Report

	p, err := p.Normalize()
	if err != nil {
		return report, err
	}

	var base *url.URL
	if feedURL != "" {
		if base, err = url.Parse(feedURL); err != nil {
			return report, fmt.Errorf("%w: feed URL %q: %v", fingerprint.ErrInvalidInput, feedURL, err)
		}
	}

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(src); err != nil {
		return report, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}
	root := doc.Root()
	if root == nil {
		return report, fmt.Errorf("%w: empty document", ErrMalformedFeed)
	}

	var items []*etree.Element
	var attr string
	var title *etree.Element
	switch root.Tag {
	case "rss":
		items = root.FindElements("./channel/item")
		attr = "url"
		title = root.FindElement("./channel/title")
	case "feed":
		items = root.FindElements("./entry")
		attr = "href"
		title = root.SelectElement("title")
	default:
		return report, fmt.Errorf("%w: unexpected root element <%s>", ErrMalformedFeed, root.FullTag())
	}

	if title != nil {
		report.Title = strings.TrimSpace(title.Text())
	}
	report.Items = len(items)
	for _, item := range items {
		for _, enc := range enclosures(item, root.Tag) {
			report.Enclosures++
			if err := r.rewriteEnclosure(enc, attr, p, base); err != nil {
				report.Skipped = append(report.Skipped, Skipped{
					Item: itemLabel(item),
					URL:  enc.SelectAttrValue(attr, ""),
					Err:  err,
				})
				continue
			}
			report.Rewritten++
		}
	}

	if _, err := doc.WriteTo(dst); err != nil {
		return report, fmt.Errorf("writing feed: %w", err)
	}
	return report, nil
}

func enclosures(item *etree.Element, kind string) []*etree.Element {
	if kind == "rss" {
		return item.SelectElements("enclosure")
	}
	var out []*etree.Element
	for _, link := range item.SelectElements("link") {
		if link.SelectAttrValue("rel", "") == "enclosure" {
			out = append(out, link)
		}
	}
	return out
}

func (r *Rewriter) rewriteEnclosure(enc *etree.Element, attr string, p fingerprint.Params, base *url.URL) error {
	raw := strings.TrimSpace(enc.SelectAttrValue(attr, ""))
	if raw == "" {
		return fmt.Errorf("%w: missing %s attribute", ErrMalformedEnclosure, attr)
	}
	if base != nil {
		ref, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEnclosure, err)
		}
		raw = base.ResolveReference(ref).String()
	}

	canonical, err := fingerprint.Canonicalize(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEnclosure, err)
	}
	fp, err := fingerprint.ComputeCanonical(canonical, p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEnclosure, err)
	}

	enc.CreateAttr(attr, r.PlayURL(fp, canonical, p))
	enc.CreateAttr("type", mediatypes.ContentType(p.Codec))
	// The transcoded length is unknown until first playback.
	enc.RemoveAttr("length")
	return nil
}

// PlayURL returns the playback URL for a fingerprint and its canonical
// source.
func (r *Rewriter) PlayURL(fp fingerprint.Fingerprint, canonicalSource string, p fingerprint.Params) string {
	var b strings.Builder
	b.WriteString(r.base)
	b.WriteString("/play/")
	b.WriteString(fp.String())
	b.WriteByte('/')
	b.WriteString(EncodeSourceRef(canonicalSource))
	b.WriteString(mediatypes.Extension(p.Codec))
	b.WriteByte('?')
	b.WriteString(EncodeParams(p).Encode())
	return b.String()
}

func itemLabel(item *etree.Element) string {
	for _, tag := range []string{"title", "guid", "id"} {
		if el := item.SelectElement(tag); el != nil {
			if text := strings.TrimSpace(el.Text()); text != "" {
				return text
			}
		}
	}
	return "(untitled item)"
}
