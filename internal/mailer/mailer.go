// Package mailer 提供出站邮件通道，进程启动时构造一次，再注入到需要发信的组件。
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aivf/internal/logger"
	"gopkg.in/gomail.v2"
)

// Message 是一封 HTML 邮件。
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender 发送邮件，只返回是否成功，不等待投递回执。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config 是 SMTP 连接参数。
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// ErrNoRecipient 表示收件人为空。
var ErrNoRecipient = errors.New("mail recipient is required")

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender 通过 gomail 连接 SMTP 服务器发信。
type SMTPSender struct {
	from   string
	dialer dialer
}

// NewSMTPSender 构造 SMTPSender。
func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail from address is required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	return &SMTPSender{
		from:   cfg.From,
		dialer: gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password),
	}, nil
}

// Send 每次调用建立一次连接并发送。
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(msg); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// LogSender 未配置 SMTP 时使用，只把邮件写入日志。
type LogSender struct {
	log *logger.Logger
}

// NewLogSender 构造 LogSender。
func NewLogSender(log *logger.Logger) *LogSender {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSender{log: log.With("component", "Mailer")}
}

// Send 记录邮件标题与收件人。
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(msg); err != nil {
		return err
	}
	s.log.Info("mail not sent, smtp disabled", "recipient", msg.To, "subject", msg.Subject, "bytes", len(msg.HTML))
	return nil
}

// New 根据配置选择发送方式，Host 为空时退回日志发送。
func New(cfg Config, log *logger.Logger) (Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return NewLogSender(log), nil
	}
	return NewSMTPSender(cfg)
}

func validate(msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	return nil
}
