package email

import (
	"context"
	"fmt"
	"net/smtp"

	"go.uber.org/zap"
)

// SMTPNotifier mails operators about segments that could not be ingested.
// An empty recipient disables it.
type SMTPNotifier struct {
	host   string
	port   int
	from   string
	to     string
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *zap.Logger
}

func NewSMTPNotifier(host string, port int, from, to string, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{host: host, port: port, from: from, to: to, send: smtp.SendMail, logger: logger}
}

func (n *SMTPNotifier) NotifyFailure(_ context.Context, videoKey, errorMsg string) error {
	if n.to == "" {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", n.host, n.port)

	subject := fmt.Sprintf("bb-ingest - segment failed [%s]", videoKey)
	body := fmt.Sprintf(
		"Hello,\r\n\r\n"+
			"A video segment could not be turned into a frame container.\r\n\r\n"+
			"Segment: %s\r\n"+
			"Error: %s\r\n\r\n"+
			"The message was moved to the dead letter queue; nothing was stored.\r\n\r\n"+
			"-- bb-ingest worker",
		videoKey, errorMsg,
	)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		n.from, n.to, subject, body,
	)

	err := n.send(addr, nil, n.from, []string{n.to}, []byte(msg))
	if err != nil {
		n.logger.Error("failed to send failure notification email",
			zap.String("to", n.to),
			zap.String("video_key", videoKey),
			zap.Error(err),
		)
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("failure notification email sent",
		zap.String("to", n.to),
		zap.String("video_key", videoKey),
	)
	return nil
}
