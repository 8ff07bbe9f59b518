package crm

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// Draft is an outgoing e-mail. Body is markdown.
type Draft struct {
	From    string
	To      []string
	Cc      []string
	Subject string
	Body    string
	Date    time.Time
}

// Compose builds an RFC 5322 message whose body is a
// multipart/alternative of plain text and HTML rendered from the
// markdown. It returns the raw message and its Message-ID.
func Compose(d Draft) ([]byte, string, error) {
	var h mail.Header
	if d.Date.IsZero() {
		d.Date = time.Now()
	}
	h.SetDate(d.Date)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(d.Subject)

	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, "", fmt.Errorf("parse from address %q: %w", d.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to, err := parseAddressList(d.To)
	if err != nil {
		return nil, "", fmt.Errorf("parse to addresses: %w", err)
	}
	if len(to) == 0 {
		return nil, "", fmt.Errorf("no recipient")
	}
	h.SetAddressList("To", to)

	if len(d.Cc) > 0 {
		cc, err := parseAddressList(d.Cc)
		if err != nil {
			return nil, "", fmt.Errorf("parse cc addresses: %w", err)
		}
		h.SetAddressList("Cc", cc)
	}

	msgID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("read message-id: %w", err)
	}

	html, err := markdownToHTML(d.Body)
	if err != nil {
		return nil, "", fmt.Errorf("render markdown: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("create inline writer: %w", err)
	}
	if err := writePart(tw, "text/plain; charset=utf-8", markdownToPlain(d.Body)); err != nil {
		return nil, "", err
	}
	if err := writePart(tw, "text/html; charset=utf-8", html); err != nil {
		return nil, "", err
	}
	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), msgID, nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.Set("Content-Type", contentType)
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func parseAddressList(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		if strings.TrimSpace(a) == "" {
			continue
		}
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain strips inline markdown. List markers are left as they
// read fine in plain text.
func markdownToPlain(md string) string {
	s := mdLink.ReplaceAllString(md, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
