package service

import (
	"strings"

	"github.com/karibucrm/campaign-engine/internal/model"
)

// RenderMessage substitutes customer placeholders into a campaign template.
func RenderMessage(template string, c model.Customer) string {
	values := map[string]string{
		"firstName":       c.FirstName,
		"lastName":        c.LastName,
		"email":           c.Email,
		"customerSegment": c.CustomerSegment,
	}
	out := template
	for k, v := range values {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
