package handler

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
)

// QueryTime parses an optional RFC 3339 query parameter.
func QueryTime(c *gin.Context, name string) (*time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		Error(c, apperrors.Validationf("%s must be an RFC 3339 timestamp", name))
		return nil, false
	}
	return &t, true
}

// QueryList reads a repeated or comma separated query parameter.
func QueryList(c *gin.Context, name string) []string {
	var out []string
	for _, v := range c.QueryArray(name) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
