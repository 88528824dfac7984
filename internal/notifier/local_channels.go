package notifier

import (
	"context"
	"fmt"
	"io"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/solwatch/watchtower/internal/config"
)

// ConsoleChannel writes notifications to the structured log.
type ConsoleChannel struct {
	logger *logrus.Logger
}

func NewConsoleChannel(logger *logrus.Logger) *ConsoleChannel {
	return &ConsoleChannel{logger: logger}
}

func (c *ConsoleChannel) Name() string           { return "console" }
func (c *ConsoleChannel) Kind() Kind             { return KindConsole }
func (c *ConsoleChannel) SupportsBatching() bool { return false }

func (c *ConsoleChannel) Deliver(_ context.Context, msg *Message) error {
	c.logger.WithField("subject", msg.Subject).Info(msg.Body)
	return nil
}

// FileChannel appends notifications to a log file, rotating when the
// file exceeds the size cap. Rotated files are optionally gzipped.
type FileChannel struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	compress bool
}

func NewFileChannel(cfg config.FileConfig) *FileChannel {
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = 16 << 20
	}
	return &FileChannel{
		path:     cfg.Path,
		maxSize:  maxSize,
		compress: cfg.Compress,
	}
}

func (c *FileChannel) Name() string           { return "file" }
func (c *FileChannel) Kind() Kind             { return KindFile }
func (c *FileChannel) SupportsBatching() bool { return true }

func (c *FileChannel) Deliver(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.rotateIfNeeded(); err != nil {
		return &DeliveryError{Message: err.Error()}
	}

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &DeliveryError{Message: err.Error()}
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s | %s\n",
		time.Now().UTC().Format(time.RFC3339),
		msg.Subject,
		strings.ReplaceAll(msg.Body, "\n", " "),
	)
	if _, err := f.WriteString(line); err != nil {
		return &DeliveryError{Message: err.Error()}
	}
	return nil
}

func (c *FileChannel) rotateIfNeeded() error {
	info, err := os.Stat(c.path)
	if err != nil || info.Size() < c.maxSize {
		return nil
	}

	rotated := fmt.Sprintf("%s.%s", c.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(c.path, rotated); err != nil {
		return err
	}
	if !c.compress {
		return nil
	}

	src, err := os.Open(rotated)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(rotated + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return os.Remove(rotated)
}

// EmailChannel delivers over SMTP with optional STARTTLS.
type EmailChannel struct {
	cfg  config.EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, send: smtp.SendMail}
}

func (c *EmailChannel) Name() string           { return "email" }
func (c *EmailChannel) Kind() Kind             { return KindEmail }
func (c *EmailChannel) SupportsBatching() bool { return true }

func (c *EmailChannel) Deliver(_ context.Context, msg *Message) error {
	from := c.cfg.FromAddress
	if c.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", c.cfg.FromName, c.cfg.FromAddress)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.cfg.ToAddresses, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPServer, c.cfg.SMTPPort)
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPServer)
	}

	if err := c.send(addr, auth, c.cfg.FromAddress, c.cfg.ToAddresses, []byte(b.String())); err != nil {
		return &DeliveryError{Message: err.Error()}
	}
	return nil
}
