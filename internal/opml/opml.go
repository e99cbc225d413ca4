package opml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Largest subscription list Parse will read
const maxSize = 4 << 20

// ErrMalformed is returned when a subscription list is not OPML.
var ErrMalformed = errors.New("malformed opml")

// Document is the OPML 2.0 structure used by podcast apps for subscription
// import and export.
type Document struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a feed when XMLURL is set, otherwise a folder.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline"`
}

type List struct {
	Title         string         `json:"title"`
	Subscriptions []Subscription `json:"subscriptions"`
	Count         int            `json:"count"`
}

// Subscription is one feed in a list.
type Subscription struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Parse reads a subscription list. Folders are flattened in document order,
// outlines without an xmlUrl are skipped and repeated URLs keep their first
// occurrence.
func Parse(r io.Reader) (*List, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrMalformed, maxSize)
	}

	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	list := &List{Title: strings.TrimSpace(doc.Head.Title)}
	seen := make(map[string]bool)
	var walk func([]Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if u := strings.TrimSpace(o.XMLURL); u != "" && !seen[u] {
				seen[u] = true
				list.Subscriptions = append(list.Subscriptions, Subscription{
					Title: outlineTitle(o),
					URL:   u,
				})
			}
			walk(o.Outlines)
		}
	}
	walk(doc.Body.Outlines)

	list.Count = len(list.Subscriptions)
	return list, nil
}

// ParseFile is Parse for a file. An untitled list is named after the file.
func ParseFile(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	list, err := Parse(f)
	if err != nil {
		return nil, err
	}
	if list.Title == "" {
		list.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return list, nil
}

func outlineTitle(o Outline) string {
	if t := strings.TrimSpace(o.Title); t != "" {
		return t
	}
	return strings.TrimSpace(o.Text)
}

// Write encodes list as an OPML 2.0 document of rss outlines.
func Write(w io.Writer, list *List, created time.Time) error {
	doc := Document{
		Version: "2.0",
		Head:    Head{Title: list.Title},
	}
	if !created.IsZero() {
		doc.Head.DateCreated = created.UTC().Format(time.RFC1123Z)
	}
	for _, s := range list.Subscriptions {
		text := s.Title
		if text == "" {
			text = s.URL
		}
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:   text,
			Title:  s.Title,
			Type:   "rss",
			XMLURL: s.URL,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
