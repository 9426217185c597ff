// Package web renders the static site: submission index pages, per-author
// pages, highlight pages and the statistics page. Pages are written to a
// temporary file and renamed into place so the web server never sees a
// half-written page.
package web

import (
	"fmt"
	"html/template"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/postgresql-cfbot/cfbot/go/config"
)

// Site renders pages under cfg.WebRoot from the database.
type Site struct {
	cfg config.Config
	db  *pgxpool.Pool
}

// New returns a Site.
func New(cfg config.Config, db *pgxpool.Pool) *Site {
	return &Site{cfg: cfg, db: db}
}

const pageStyle = `      body {
        margin: 1rem auto;
        font-family: -apple-system,BlinkMacSystemFont,avenir next,avenir,helvetica neue,helvetica,ubuntu,roboto,noto,segoe ui,arial,sans-serif;
        color: #444;
        max-width: 920px;
      }
      h1 {
        font-size: 3rem;
      }
      h2 {
        font-size: 2rem;
      }
      table {
        border-collapse: collapse;
        font-size: 0.875rem;
        width: 100%;
      }
      td {
        padding: 1rem 1rem 1rem 0;
        border-bottom: solid 1px rgba(0,0,0,.2);
      }`

// writePage writes body to path via a temporary file in the same directory.
func writePage(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating web root")
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming %s into place", path)
	}
	return nil
}

var authorURLStrip = regexp.MustCompile(`[^0-9a-zA-Z_-]`)

// AuthorPageName maps an author name to the file name of their page:
// diacritics are decomposed and dropped, spaces become hyphens, and
// anything else non-alphanumeric is removed.
func AuthorPageName(author string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	text, _, err := transform.String(t, strings.TrimSpace(author))
	if err != nil {
		text = author
	}
	var ascii strings.Builder
	for _, r := range text {
		if r < 128 {
			ascii.WriteRune(r)
		}
	}
	text = strings.ToLower(ascii.String())
	text = strings.Join(strings.Fields(text), "-")
	return authorURLStrip.ReplaceAllString(text, "") + ".html"
}

// Result badges, drawn inline so the pages have no assets to serve.

func svgBadge(alt, svg string) template.HTML {
	return template.HTML(fmt.Sprintf(svg, template.HTMLEscapeString(alt)))
}

func newSuccessBadge(alt string) template.HTML {
	return svgBadge(alt, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 52 52" width="20" height="20">
  <title>%s</title>
  <circle cx="26" cy="26" r="25" fill="green"/>
  <path stroke-width="3" fill="none" stroke="white" d="M14.1 27.2 l7.1 7.2 16.7-16.8"/>
</svg>`)
}

func oldSuccessBadge(alt string) template.HTML {
	return svgBadge(alt, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 52 52" width="20" height="20">
  <title>%s</title>
  <circle cx="26" cy="26" r="25" stroke="green" fill="none"/>
  <path stroke-width="3" fill="none" stroke="green" d="M14.1 27.2 l7.1 7.2 16.7-16.8"/>
</svg>`)
}

func newFailureBadge(alt string) template.HTML {
	return svgBadge(alt, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 52 52" width="20" height="20">
  <title>%s</title>
  <circle cx="26" cy="26" r="25" fill="red"/>
  <path stroke-width="3" fill="none" stroke="white" d="M17 17 35 35"/>
  <path stroke-width="3" fill="none" stroke="white" d="M17 35 35 17"/>
</svg>`)
}

func oldFailureBadge(alt string) template.HTML {
	return svgBadge(alt, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 52 52" width="20" height="20">
  <title>%s</title>
  <circle cx="26" cy="26" r="25" stroke="red" fill="none"/>
  <path stroke-width="3" fill="none" stroke="red" d="M17 17 35 35"/>
  <path stroke-width="3" fill="none" stroke="red" d="M17 35 35 17"/>
</svg>`)
}

func waitingBadge(alt string) template.HTML {
	return svgBadge(alt, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 52 52" width="20" height="20">
  <title>%s</title>
  <circle cx="26" cy="26" r="25" stroke="gray" fill="none"/>
</svg>`)
}

// buildingBadge draws a pie filled to fraction, clock-style from 12 o'clock.
func buildingBadge(fraction float64, alt string) template.HTML {
	large := 0
	if fraction > 0.5 {
		large = 1
	}
	fraction -= 0.25
	x := 26 + 25*math.Cos(math.Pi*fraction*2)
	y := 26 + 25*math.Sin(math.Pi*fraction*2)
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 52 52" width="20" height="20">
  <title>%%s</title>
  <circle cx="26" cy="26" r="25" stroke="blue" fill="none"/>
  <path d="M26 26 L26 1 A25 25 0 %d 1 %s %s Z" fill="blue"/>
</svg>`, large, strconv.FormatFloat(x, 'f', -1, 64), strconv.FormatFloat(y, 'f', -1, 64))
	return svgBadge(alt, svg)
}
