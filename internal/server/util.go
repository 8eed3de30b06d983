package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a mount prefix to "" or "/a/b".
func sanitizeBase(bp string) string {
	bp = strings.TrimFunc(bp, func(r rune) bool { return r == '/' || unicode.IsSpace(r) })
	if bp == "" {
		return ""
	}
	return "/" + bp
}

func nameChar(r rune, first bool) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case first:
		return false
	}
	return r == '.' || r == '_' || r == '-'
}

// isSafeName accepts the pool name alphabet: an alphanumeric first rune,
// then alphanumerics and . _ -, never "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for i, r := range s {
		if !nameChar(r, i == 0) {
			return false
		}
	}
	return true
}

// forceParam parses ?force=; it writes a 400 and returns ok=false when malformed.
func forceParam(c *gin.Context) (force, ok bool) {
	v := c.Query("force")
	if v == "" {
		return false, true
	}
	force, err := strconv.ParseBool(v)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid force: " + v})
		return false, false
	}
	return force, true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
