package notify

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"txwatch/internal/config"
	"txwatch/internal/model"
)

// fakeSMTP speaks just enough SMTP for net/smtp: EHLO with AUTH PLAIN,
// MAIL, RCPT, DATA and QUIT.
type fakeSMTP struct {
	ln       net.Listener
	authCode int

	mu   sync.Mutex
	auth string
	from string
	rcpt []string
	data string
}

func startFakeSMTP(t *testing.T, authCode int) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeSMTP{ln: ln, authCode: authCode}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeSMTP) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeSMTP) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
	reply("220 localhost ESMTP fake")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			reply("250-localhost")
			reply("250 AUTH PLAIN")
		case strings.HasPrefix(cmd, "AUTH"):
			f.mu.Lock()
			f.auth = line
			f.mu.Unlock()
			if f.authCode == 235 {
				reply("235 2.7.0 Authentication successful")
			} else {
				reply(strconv.Itoa(f.authCode) + " 5.7.8 Username and Password not accepted")
			}
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			f.mu.Lock()
			f.from = line[len("MAIL FROM:"):]
			f.mu.Unlock()
			reply("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			f.mu.Lock()
			f.rcpt = append(f.rcpt, line[len("RCPT TO:"):])
			f.mu.Unlock()
			reply("250 OK")
		case cmd == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			f.mu.Lock()
			f.data = b.String()
			f.mu.Unlock()
			reply("250 OK queued")
		case cmd == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (f *fakeSMTP) received() (string, []string, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.from, append([]string(nil), f.rcpt...), f.data, f.auth
}

func emailConfig(port int) config.EmailConfig {
	return config.EmailConfig{
		Enabled:  true,
		Host:     "127.0.0.1",
		Port:     port,
		From:     "bot@example.com",
		Password: "app-password",
		To:       []string{"ops@example.com", "oncall@example.com"},
		Subject:  config.DefaultEmailSubject,
		Timeout:  config.Duration(5 * time.Second),
	}
}

func warningMessage() model.AlertMessage {
	return model.AlertMessage{
		Kind:     model.KindThresholdBreach,
		Severity: model.SeverityWarning,
		Subject:  "[WARNING] Failed transactions above threshold",
		Body:     "Failed transactions above threshold (1 category)\nA: 150 failed\n",
		Findings: []model.Finding{{Kind: model.KindThresholdBreach, Category: "A", Failed: 150}},
	}
}

func TestEmailSinkSend(t *testing.T) {
	srv := startFakeSMTP(t, 235)
	sink := NewEmailSink(emailConfig(srv.port()))
	sink.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := sink.Send(context.Background(), warningMessage()); err != nil {
		t.Fatalf("send: %v", err)
	}
	from, rcpt, data, auth := srv.received()
	if !strings.Contains(from, "bot@example.com") {
		t.Fatalf("mail from = %q", from)
	}
	if len(rcpt) != 2 {
		t.Fatalf("recipients = %v", rcpt)
	}
	if !strings.HasPrefix(auth, "AUTH PLAIN") {
		t.Fatalf("auth = %q", auth)
	}
	if !strings.Contains(data, "Subject: Failed Transactions Alert: [WARNING] Failed transactions above threshold\r\n") {
		t.Fatalf("subject header missing:\n%s", data)
	}
	if !strings.Contains(data, "X-Txwatch-Severity: warning\r\n") {
		t.Fatalf("severity header missing:\n%s", data)
	}
	if !strings.Contains(data, "A: 150 failed\r\n") {
		t.Fatalf("body missing:\n%s", data)
	}
}

func TestEmailSinkAuthFailure(t *testing.T) {
	srv := startFakeSMTP(t, 535)
	sink := NewEmailSink(emailConfig(srv.port()))
	err := sink.Send(context.Background(), warningMessage())
	if err == nil {
		t.Fatalf("expected auth error")
	}
	if KindOf(err) != DeliveryAuthenticationFailed {
		t.Fatalf("kind = %q (%v)", KindOf(err), err)
	}
	if _, _, data, _ := srv.received(); data != "" {
		t.Fatalf("message sent despite auth failure")
	}
}

func TestEmailSinkUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sink := NewEmailSink(emailConfig(port))
	err = sink.Send(context.Background(), warningMessage())
	if KindOf(err) != DeliveryTransportFailure {
		t.Fatalf("kind = %q (%v)", KindOf(err), err)
	}
}

func TestEmailSinkWithoutPasswordSkipsAuth(t *testing.T) {
	srv := startFakeSMTP(t, 535)
	cfg := emailConfig(srv.port())
	cfg.Password = ""
	if err := NewEmailSink(cfg).Send(context.Background(), warningMessage()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, _, _, auth := srv.received(); auth != "" {
		t.Fatalf("auth attempted without password: %q", auth)
	}
}

func TestBuildMessageSanitizesSubject(t *testing.T) {
	sink := NewEmailSink(emailConfig(25))
	msg := warningMessage()
	msg.Subject = "line one\r\nBcc: evil@example.com"
	raw := string(sink.buildMessage(msg))
	if strings.Contains(raw, "\r\nBcc:") {
		t.Fatalf("header injection not stripped:\n%s", raw)
	}
}
