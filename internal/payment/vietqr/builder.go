package vietqr

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultTemplate     = "compact2"
	DefaultImageBaseURL = "https://img.vietqr.io/image"
)

var (
	ErrNotConfigured = errors.New("vietqr: bank account is not configured")
	ErrInvalidAmount = errors.New("vietqr: amount must not be negative")
)

type Config struct {
	BankID       string
	AccountNo    string
	AccountName  string
	Template     string
	ImageBaseURL string
}

type BankInfo struct {
	BankID      string `json:"bankId"`
	AccountNo   string `json:"accountNo"`
	AccountName string `json:"accountName"`
	BankName    string `json:"bankName"`
}

// PaymentInfo is what the customer needs to make the transfer.
type PaymentInfo struct {
	QRCodeURL  string          `json:"qrCodeUrl"`
	Amount     decimal.Decimal `json:"amount"`
	TestAmount decimal.Decimal `json:"testAmount"`
	Content    string          `json:"content"`
	BankInfo   BankInfo        `json:"bankInfo"`
	OrderID    string          `json:"orderId"`
}

// Builder produces transfer payloads. It makes no network calls; the image
// behind QRCodeURL is rendered by whoever loads it.
type Builder struct {
	cfg    Config
	policy AmountPolicy
}

func NewBuilder(cfg Config, policy AmountPolicy) *Builder {
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	if cfg.ImageBaseURL == "" {
		cfg.ImageBaseURL = DefaultImageBaseURL
	}
	if policy == nil {
		policy = DefaultSandboxPolicy()
	}
	return &Builder{cfg: cfg, policy: policy}
}

func (b *Builder) Build(orderID string, amount decimal.Decimal, description string) (*PaymentInfo, error) {
	if b.cfg.BankID == "" || b.cfg.AccountNo == "" {
		return nil, ErrNotConfigured
	}
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(description) == "" {
		description = "DH " + orderID
	}
	content := TransferContent(description)
	testAmount := b.policy.TestAmount(amount)

	q := url.Values{}
	q.Set("amount", testAmount.String())
	q.Set("addInfo", content)
	q.Set("accountName", b.cfg.AccountName)

	qrURL := fmt.Sprintf("%s/%s-%s-%s.png?%s",
		strings.TrimRight(b.cfg.ImageBaseURL, "/"),
		url.PathEscape(b.cfg.BankID), url.PathEscape(b.cfg.AccountNo), url.PathEscape(b.cfg.Template),
		q.Encode())

	return &PaymentInfo{
		QRCodeURL:  qrURL,
		Amount:     amount,
		TestAmount: testAmount,
		Content:    content,
		BankInfo: BankInfo{
			BankID:      b.cfg.BankID,
			AccountNo:   b.cfg.AccountNo,
			AccountName: b.cfg.AccountName,
			BankName:    BankName(b.cfg.BankID),
		},
		OrderID: orderID,
	}, nil
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// TransferContent turns free text into a bank memo: no diacritics, upper
// case, only letters, digits, spaces and hyphens.
func TransferContent(s string) string {
	s = strings.NewReplacer("đ", "d", "Đ", "D").Replace(s)
	plain, _, err := transform.String(stripMarks, s)
	if err != nil {
		plain = s
	}
	var sb strings.Builder
	for _, r := range strings.ToUpper(plain) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-'):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
