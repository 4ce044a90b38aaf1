package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"sync"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"calsync/internal/calendar"
	"calsync/internal/model"
)

// Gmail sends mail through the Gmail API as the authorized user.
type Gmail struct {
	credentialsFile string
	tokenFile       string
	from            string
	opts            []option.ClientOption

	mu  sync.Mutex
	svc *gmail.Service
}

var _ Messenger = (*Gmail)(nil)

// NewGmail builds a messenger from an OAuth client file and a stored
// token. opts, when given, replace the credentials.
func NewGmail(credentialsFile, tokenFile, from string, opts ...option.ClientOption) *Gmail {
	return &Gmail{credentialsFile: credentialsFile, tokenFile: tokenFile, from: from, opts: opts}
}

func (g *Gmail) service(ctx context.Context) (*gmail.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.svc != nil {
		return g.svc, nil
	}

	opts := g.opts
	if len(opts) == 0 {
		ts, err := calendar.TokenSource(g.credentialsFile, g.tokenFile, gmail.GmailSendScope)
		if err != nil {
			return nil, model.NewServiceError("gmail.auth", model.ErrAuth, err)
		}
		opts = []option.ClientOption{option.WithTokenSource(ts)}
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, model.NewServiceError("gmail.service", model.ErrAuth, err)
	}
	g.svc = svc
	return svc, nil
}

func (g *Gmail) Send(ctx context.Context, to, subject, body string) (string, error) {
	svc, err := g.service(ctx)
	if err != nil {
		return "", err
	}
	raw := base64.URLEncoding.EncodeToString(buildMessage(g.from, to, subject, body))
	sent, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return "", calendar.ClassifyGoogleErr("messages.send", err)
	}
	return sent.Id, nil
}

// buildMessage renders a UTF-8 plain-text RFC 2822 message.
func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")

	enc := base64.StdEncoding.EncodeToString([]byte(body))
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	b.WriteString("\r\n")
	return []byte(b.String())
}
