package page

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Fingerprint hashes the tag skeleton of an HTML document: every element
// contributes "depth:tag;" and the element count is appended. Text and
// attributes are ignored, so content updates keep the fingerprint while
// structural changes (elements added, removed, moved) change it.
func Fingerprint(doc []byte) string {
	skeleton, _ := Skeleton(doc)
	h := sha256.Sum256([]byte(skeleton))
	return fmt.Sprintf("%x", h[:16])
}

// Skeleton returns the depth-annotated tag sequence of doc and the number
// of elements seen.
func Skeleton(doc []byte) (string, int) {
	z := html.NewTokenizer(bytes.NewReader(doc))
	var b strings.Builder
	depth, count := 0, 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				// Truncated markup still yields a usable prefix.
				fmt.Fprintf(&b, "!%d", count)
			}
			fmt.Fprintf(&b, "#%d", count)
			return b.String(), count
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			count++
			fmt.Fprintf(&b, "%d:%s;", depth, tag)
			if tt == html.StartTagToken && !isVoidElement(tag) {
				depth++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if !isVoidElement(string(name)) && depth > 0 {
				depth--
			}
		}
	}
}

func isVoidElement(tag string) bool {
	switch tag {
	case "area", "base", "br", "col", "embed", "hr", "img", "input",
		"link", "meta", "param", "source", "track", "wbr":
		return true
	}
	return false
}
