package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

var ridSeq atomic.Uint64

// newReqID returns a short request id: base36 timestamp, sequence and two
// random characters.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alpha[rand.IntN(len(alpha))])
	}
	return b.String()
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	/news "更新公告"
//	/subscribe 6279793937 -100123
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar rune
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range s {
		if esc {
			buf.WriteRune(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteRune(ch)
			continue
		}
		switch {
		case ch == '"' || ch == '\'':
			inQ = true
			qChar = ch
		case unicode.IsSpace(ch):
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

// commandWord extracts "name" from "/name@botname".
func commandWord(tok string) (string, bool) {
	if !strings.HasPrefix(tok, "/") {
		return "", false
	}
	word := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	return word, word != ""
}

// sanitizeTelegramCommand converts a name into a Telegram-safe bot command
// ([a-z0-9_]{1,32}).
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r) || r == '/':
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}
