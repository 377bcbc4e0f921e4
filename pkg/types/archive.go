package types

import (
	"time"
)

// DateLayout is the ISO calendar date format used for archive keys and URLs.
const DateLayout = "2006-01-02"

// Article is a single story extracted from a section page.
type Article struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Summary  string `json:"summary"`
	Section  string `json:"section"`
	Date     string `json:"date"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// DayArchive holds every parsed section for one calendar date.
type DayArchive struct {
	Date     string               `json:"date"`
	Sections map[string][]Article `json:"sections"`
	CachedAt time.Time            `json:"cached_at"`
}

// NewDayArchive returns an archive with an empty entry for every section.
func NewDayArchive(date string, sections []string, cachedAt time.Time) *DayArchive {
	archive := &DayArchive{
		Date:     date,
		Sections: make(map[string][]Article, len(sections)),
		CachedAt: cachedAt,
	}
	for _, name := range sections {
		archive.Sections[name] = []Article{}
	}
	return archive
}

// ArticleCount reports the number of articles across all sections.
func (a *DayArchive) ArticleCount() int {
	if a == nil {
		return 0
	}
	total := 0
	for _, articles := range a.Sections {
		total += len(articles)
	}
	return total
}

// ValidDate reports whether s is an ISO calendar date.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// Viewport is a width/height pair in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Fingerprint is the browser identity attached to one stealth session.
type Fingerprint struct {
	UserAgent string   `json:"user_agent"`
	Viewport  Viewport `json:"viewport"`
	Screen    Viewport `json:"screen"`
}
