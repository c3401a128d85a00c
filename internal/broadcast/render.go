package broadcast

import (
	"bytes"
	"html/template"
	"strings"

	"newsbeat/internal/domain"
)

var bodyTmpl = template.Must(template.New("digest").Parse(
	`<h2>Latest {{.Category}} Updates</h2><ul>{{range .Articles}}<li><a href="{{.URL}}" target="_blank">{{.Title}}</a> - <i>{{.Source}}</i></li>{{end}}</ul>`,
))

// RenderSubject returns "Breaking <CATEGORY> News".
func RenderSubject(category string) string {
	return "Breaking " + strings.ToUpper(category) + " News"
}

// RenderBody renders the HTML digest of one category.
func RenderBody(category string, articles []domain.Article) (string, error) {
	var buf bytes.Buffer
	err := bodyTmpl.Execute(&buf, domain.CategoryFeed{Category: category, Articles: articles})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
