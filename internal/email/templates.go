package email

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/shopspring/decimal"
)

var statusLabels = map[order.FulfillmentStatus]string{
	order.StatusPending:    "Chờ xác nhận",
	order.StatusConfirmed:  "Đã xác nhận",
	order.StatusProcessing: "Đang chuẩn bị hàng",
	order.StatusShipped:    "Đang giao hàng",
	order.StatusDelivered:  "Đã giao hàng",
	order.StatusCancelled:  "Đã hủy",
}

var paymentLabels = map[order.PaymentMethod]string{
	order.PaymentCOD:    "Thanh toán khi nhận hàng (COD)",
	order.PaymentVietQR: "Chuyển khoản VietQR",
}

func statusLabel(s order.FulfillmentStatus) string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

var funcs = template.FuncMap{
	"vnd":         FormatVND,
	"status":      statusLabel,
	"subtotal":    func(i order.Item) string { return FormatVND(i.Subtotal()) },
	"shortID":     ShortID,
	"paymentName": func(m order.PaymentMethod) string { return paymentLabels[m] },
}

const layout = `{{define "layout"}}<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
	<div style="background: #0f766e; padding: 30px; border-radius: 10px 10px 0 0;">
		<h1 style="color: white; margin: 0; font-size: 24px;">{{.Title}}</h1>
	</div>
	<div style="background: #fff; padding: 30px; border: 1px solid #eee; border-top: none; border-radius: 0 0 10px 10px;">
		<div style="background: #f8f9fa; padding: 15px; border-radius: 5px; margin: 0 0 20px 0;">
			<p style="margin: 0; font-size: 14px; color: #666;">Mã đơn hàng</p>
			<p style="margin: 5px 0 0 0; font-size: 18px; font-weight: bold; font-family: monospace;">{{shortID .Order.ID}}</p>
		</div>
		{{template "content" .}}
		<hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">
		<p style="font-size: 12px; color: #999; margin-bottom: 0;">
			Email này được gửi tự động. Nếu bạn có thắc mắc, vui lòng liên hệ bộ phận hỗ trợ.
		</p>
	</div>
</body>
</html>{{end}}
{{define "items"}}
		<table style="width: 100%; border-collapse: collapse; margin: 20px 0;">
			<thead>
				<tr style="background: #f8f9fa;">
					<th style="padding: 12px; text-align: left;">Sản phẩm</th>
					<th style="padding: 12px; text-align: center;">Số lượng</th>
					<th style="padding: 12px; text-align: right;">Đơn giá</th>
					<th style="padding: 12px; text-align: right;">Thành tiền</th>
				</tr>
			</thead>
			<tbody>
			{{range .Items}}
				<tr>
					<td style="padding: 12px; border-bottom: 1px solid #eee;">{{.Name}}</td>
					<td style="padding: 12px; border-bottom: 1px solid #eee; text-align: center;">{{.Quantity}}</td>
					<td style="padding: 12px; border-bottom: 1px solid #eee; text-align: right;">{{vnd .UnitPrice}}</td>
					<td style="padding: 12px; border-bottom: 1px solid #eee; text-align: right;">{{subtotal .}}</td>
				</tr>
			{{end}}
			</tbody>
		</table>
		<div style="text-align: right; padding: 20px; background: #f8f9fa; border-radius: 5px;">
			<p style="margin: 0; color: #666;">Phí vận chuyển: {{vnd .ShippingPrice}}</p>
			<p style="margin: 5px 0 0 0; font-size: 22px; font-weight: bold; color: #0f766e;">Tổng cộng: {{vnd .TotalPrice}}</p>
		</div>
{{end}}`

var pages = map[string]string{
	"confirmation": `{{define "content"}}
		<p style="margin-top: 0;">Cảm ơn bạn đã đặt hàng. Đơn hàng của bạn đã được ghi nhận.</p>
		<p>Phương thức thanh toán: <strong>{{paymentName .Order.PaymentMethod}}</strong></p>
		{{template "items" .Order}}
		<p>Giao đến: {{.Order.ShippingAddress.FullName}}, {{.Order.ShippingAddress.AddressLine}}, {{.Order.ShippingAddress.District}}, {{.Order.ShippingAddress.Province}}</p>
{{end}}`,
	"status": `{{define "content"}}
		<p style="margin-top: 0;">Trạng thái đơn hàng của bạn đã thay đổi{{if .Previous}} từ <strong>{{status .Previous}}</strong>{{end}} sang <strong>{{status .Order.FulfillmentStatus}}</strong>.</p>
		{{if .Note}}<p>Ghi chú: {{.Note}}</p>{{end}}
		{{with .Order.Shipping}}{{if .TrackingNumber}}<p>Đơn vị vận chuyển: {{.Provider}}, mã vận đơn: <strong>{{.TrackingNumber}}</strong></p>{{end}}{{end}}
		{{template "items" .Order}}
{{end}}`,
	"claimed": `{{define "content"}}
		<p style="margin-top: 0;">Khách hàng đã xác nhận chuyển khoản cho đơn hàng này. Vui lòng kiểm tra tài khoản và xác minh thanh toán.</p>
		<p>Khách hàng: {{.Order.ShippingAddress.FullName}} ({{.Order.ShippingAddress.Phone}})</p>
		<p>Số tiền cần nhận: <strong>{{vnd .Order.TotalPrice}}</strong></p>
{{end}}`,
	"failed": `{{define "content"}}
		<p style="margin-top: 0;">Chúng tôi chưa nhận được khoản thanh toán cho đơn hàng của bạn.</p>
		{{if .Note}}<p>Lý do: {{.Note}}</p>{{end}}
		<p>Số tiền: <strong>{{vnd .Order.TotalPrice}}</strong></p>
{{end}}`,
}

var templates = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(pages))
	for name, page := range pages {
		t := template.Must(template.New(name).Funcs(funcs).Parse(layout))
		out[name] = template.Must(t.Parse(page))
	}
	return out
}()

type view struct {
	Title    string
	Order    *order.Order
	Previous order.FulfillmentStatus
	Note     string
}

func render(name string, v view) (string, error) {
	t, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("unknown email template %q", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", v); err != nil {
		return "", fmt.Errorf("failed to render %s email: %w", name, err)
	}
	return buf.String(), nil
}

// FormatVND renders an amount as whole dong with dot separators, e.g. "1.250.000 ₫".
func FormatVND(amount decimal.Decimal) string {
	str := amount.Round(0).Abs().StringFixed(0)
	var result strings.Builder
	if amount.Round(0).IsNegative() {
		result.WriteString("-")
	}

	remainder := len(str) % 3
	if remainder > 0 {
		result.WriteString(str[:remainder])
		if len(str) > remainder {
			result.WriteString(".")
		}
	}
	for i := remainder; i < len(str); i += 3 {
		result.WriteString(str[i : i+3])
		if i+3 < len(str) {
			result.WriteString(".")
		}
	}
	result.WriteString(" ₫")
	return result.String()
}

// ShortID is the first eight characters of an order id, upper-cased.
func ShortID(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return strings.ToUpper(id)
}
