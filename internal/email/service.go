package email

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"github.com/example/storefront-orders/internal/domain/order"
)

type Config struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

// Service handles email sending via SMTP
type Service struct {
	cfg      Config
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(cfg Config) *Service {
	return &Service{cfg: cfg, sendMail: smtp.SendMail}
}

// SendOrderConfirmation tells the customer the order was placed.
func (s *Service) SendOrderConfirmation(ctx context.Context, to string, o *order.Order) error {
	subject := fmt.Sprintf("Xác nhận đơn hàng #%s", ShortID(o.ID))
	return s.deliver(ctx, to, subject, "confirmation", view{Title: "Cảm ơn bạn đã đặt hàng", Order: o})
}

// SendStatusUpdate tells the customer about a fulfillment or payment change.
func (s *Service) SendStatusUpdate(ctx context.Context, to string, o *order.Order, previous order.FulfillmentStatus, note string) error {
	subject := fmt.Sprintf("Đơn hàng #%s: %s", ShortID(o.ID), statusLabel(o.FulfillmentStatus))
	return s.deliver(ctx, to, subject, "status", view{
		Title:    "Cập nhật đơn hàng",
		Order:    o,
		Previous: previous,
		Note:     note,
	})
}

// SendTransferClaimed asks the shop to check its account for a transfer.
func (s *Service) SendTransferClaimed(ctx context.Context, to string, o *order.Order) error {
	subject := fmt.Sprintf("Khách hàng đã chuyển khoản cho đơn #%s", ShortID(o.ID))
	return s.deliver(ctx, to, subject, "claimed", view{Title: "Cần xác minh thanh toán", Order: o})
}

// SendPaymentFailed tells the customer the transfer was not received.
func (s *Service) SendPaymentFailed(ctx context.Context, to string, o *order.Order, reason string) error {
	subject := fmt.Sprintf("Thanh toán đơn hàng #%s chưa thành công", ShortID(o.ID))
	return s.deliver(ctx, to, subject, "failed", view{Title: "Thanh toán chưa thành công", Order: o, Note: reason})
}

func (s *Service) deliver(ctx context.Context, to, subject, page string, v view) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := render(page, v)
	if err != nil {
		return err
	}
	return s.send(to, subject, body)
}

func (s *Service) send(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		s.cfg.From, to, mime.QEncoding.Encode("utf-8", subject), body)
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := s.sendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send %q to %s: %w", subject, strings.TrimSpace(to), err)
	}
	return nil
}
