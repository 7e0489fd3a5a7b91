package services

import (
	"regexp"
	"strings"

	"github.com/pulsemail/campaign-gateway/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// RenderTemplate substitutes {{variable}} placeholders in tpl with the
// contact's attributes. The contact's email and name are available as
// built-ins under those keys unless the attributes override them.
// Unknown variables render as the empty string rather than erroring, so
// one contact with sparse attributes cannot sink a whole campaign.
func RenderTemplate(tpl string, contact *model.Contact) string {
	if tpl == "" || !strings.Contains(tpl, "{{") {
		return tpl
	}

	return placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if contact == nil {
			return ""
		}
		if v, ok := contact.Attributes[name]; ok {
			return v
		}
		switch name {
		case "email":
			return contact.Email
		case "name":
			return contact.Name
		}
		return ""
	})
}
