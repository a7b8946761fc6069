package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"txwatch/internal/config"
	"txwatch/internal/model"
)

// EmailSink sends alerts over SMTP. Port 465 uses implicit TLS; other ports
// upgrade with STARTTLS when the server offers it.
type EmailSink struct {
	cfg  config.EmailConfig
	dial func(ctx context.Context, addr string) (net.Conn, error)
	now  func() time.Time
}

func NewEmailSink(cfg config.EmailConfig) *EmailSink {
	s := &EmailSink{cfg: cfg, now: time.Now}
	s.dial = s.dialServer
	return s
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

func (s *EmailSink) implicitTLS() bool {
	return s.cfg.Port == 465
}

func (s *EmailSink) dialServer(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: s.cfg.Timeout.Std()}
	if s.implicitTLS() {
		d := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: s.cfg.Host}}
		return d.DialContext(ctx, "tcp", addr)
	}
	return nd.DialContext(ctx, "tcp", addr)
}

func (s *EmailSink) Send(ctx context.Context, msg model.AlertMessage) error {
	conn, err := s.dial(ctx, s.addr())
	if err != nil {
		return s.fail(DeliveryTransportFailure, err)
	}
	if s.cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.Timeout.Std()))
	}
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return s.fail(DeliveryTransportFailure, err)
	}
	defer c.Close()

	if !s.implicitTLS() {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return s.fail(DeliveryTransportFailure, err)
			}
		}
	}
	if s.cfg.Password != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.cfg.From, s.cfg.Password, s.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return s.fail(classifySMTP(err), err)
			}
		}
	}
	if err := c.Mail(s.cfg.From); err != nil {
		return s.fail(classifySMTP(err), err)
	}
	for _, rcpt := range s.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return s.fail(classifySMTP(err), err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return s.fail(classifySMTP(err), err)
	}
	if _, err := w.Write(s.buildMessage(msg)); err != nil {
		_ = w.Close()
		return s.fail(DeliveryTransportFailure, err)
	}
	if err := w.Close(); err != nil {
		return s.fail(classifySMTP(err), err)
	}
	if err := c.Quit(); err != nil {
		return s.fail(DeliveryTransportFailure, err)
	}
	return nil
}

func (s *EmailSink) fail(kind DeliveryKind, err error) error {
	return &DeliveryError{Kind: kind, Sink: s.Name(), Err: err}
}

// classifySMTP maps 530/534/535/538 replies to authentication failures.
func classifySMTP(err error) DeliveryKind {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case 530, 534, 535, 538:
			return DeliveryAuthenticationFailed
		}
	}
	return DeliveryTransportFailure
}

func (s *EmailSink) subject(msg model.AlertMessage) string {
	base := s.cfg.Subject
	if base == "" {
		base = config.DefaultEmailSubject
	}
	if msg.Subject == "" {
		return base
	}
	return base + ": " + msg.Subject
}

func (s *EmailSink) buildMessage(msg model.AlertMessage) []byte {
	var b strings.Builder
	writeHeader := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	writeHeader("From", s.cfg.From)
	writeHeader("To", strings.Join(s.cfg.To, ", "))
	writeHeader("Subject", sanitizeHeader(s.subject(msg)))
	writeHeader("Date", s.now().UTC().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", "text/plain; charset=UTF-8")
	writeHeader("X-Txwatch-Severity", msg.Severity.String())
	b.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// Describe returns a short human readable destination, used in startup logs.
func (s *EmailSink) Describe() string {
	return fmt.Sprintf("%s -> %s", s.addr(), strings.Join(s.cfg.To, ","))
}
