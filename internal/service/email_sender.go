package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/xxxsen/vcode/internal/config"
	"github.com/xxxsen/vcode/internal/model"
)

// CodeMessage is one out-of-band delivery of a verification code.
type CodeMessage struct {
	Email     string    `json:"email"`
	Purpose   string    `json:"purpose"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CodeSender interface {
	Send(ctx context.Context, msg *CodeMessage) error
	Name() string
}

func NewCodeSender(cfg config.MailConfig) CodeSender {
	switch cfg.Type {
	case config.MailSMTP:
		return newSMTPSender(cfg)
	case config.MailKafka:
		return newKafkaSender(cfg.Kafka)
	default:
		return logSender{}
	}
}

func renderMessage(msg *CodeMessage, now time.Time) (string, string) {
	minutes := int(msg.ExpiresAt.Sub(now).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	if msg.Purpose == model.PurposePasswordReset {
		return "Your password reset code",
			fmt.Sprintf("Use the code %s to reset your password. It expires in %d minutes. If you did not ask for a reset, ignore this email.", msg.Code, minutes)
	}
	return "Your verification code",
		fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", msg.Code, minutes)
}

// logSender only writes the code to the log. Development setups use it in
// place of a mail relay.
type logSender struct{}

func (logSender) Name() string {
	return config.MailLog
}

func (logSender) Send(ctx context.Context, msg *CodeMessage) error {
	logutil.GetLogger(ctx).Info("verification code issued",
		zap.String("email", msg.Email),
		zap.String("purpose", msg.Purpose),
		zap.String("code", msg.Code),
		zap.Time("expires_at", msg.ExpiresAt),
	)
	return nil
}

type smtpSender struct {
	dialer *gomail.Dialer
	from   string
}

func newSMTPSender(cfg config.MailConfig) *smtpSender {
	return &smtpSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *smtpSender) Name() string {
	return config.MailSMTP
}

func (s *smtpSender) Send(ctx context.Context, msg *CodeMessage) error {
	subject, body := renderMessage(msg, time.Now())
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Email)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send code email: %w", err)
	}
	return nil
}

// kafkaSender hands the code to a mailer service through a topic.
type kafkaSender struct {
	writer *kafka.Writer
}

func newKafkaSender(cfg config.KafkaConfig) *kafkaSender {
	return &kafkaSender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (s *kafkaSender) Name() string {
	return config.MailKafka
}

func (s *kafkaSender) Send(ctx context.Context, msg *CodeMessage) error {
	km, err := kafkaMessage(msg)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("publish code message: %w", err)
	}
	return nil
}

func (s *kafkaSender) Close() error {
	return s.writer.Close()
}

// kafkaMessage keys by email so every code of one address lands on the same
// partition, in issue order.
func kafkaMessage(msg *CodeMessage) (kafka.Message, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.Email),
		Value: value,
		Headers: []kafka.Header{
			{Key: "purpose", Value: []byte(msg.Purpose)},
		},
	}, nil
}
