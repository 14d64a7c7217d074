package email

import (
	"fmt"
	"html"
	"strings"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/shopspring/decimal"
)

var currencySymbols = map[string]string{
	"INR": "₹",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
}

// zeroDecimal lists ISO 4217 currencies whose minor unit is the major unit.
var zeroDecimal = map[string]bool{"JPY": true, "KRW": true}

// CustomerConfirmation builds the order confirmation sent to the buyer.
func CustomerConfirmation(o *order.Order) Message {
	return Message{
		To:      o.Customer.Email,
		Subject: fmt.Sprintf("Order confirmed: %s", o.GatewayOrderRef),
		Text:    buildConfirmationText(o),
		HTML:    buildConfirmationBody(o),
	}
}

// AdminNotification builds the new-order alert sent to the shop owner.
func AdminNotification(to string, o *order.Order) Message {
	return Message{
		To:      to,
		Subject: fmt.Sprintf("New paid order %s (%s)", o.GatewayOrderRef, FormatMoney(o.Amount, o.Currency)),
		Text:    buildAdminText(o),
		HTML:    buildAdminBody(o),
	}
}

func itemLabel(item order.Item) string {
	name := item.Name
	if name == "" {
		name = item.ProductID
	}
	if item.Variant != "" {
		name += " (" + item.Variant + ")"
	}
	return name
}

func buildItemLines(o *order.Order) string {
	var lines strings.Builder
	for _, item := range o.Items {
		fmt.Fprintf(&lines, "  %d x %s @ %s = %s\n",
			item.Quantity,
			itemLabel(item),
			FormatMoney(item.UnitPrice, o.Currency),
			FormatMoney(item.Subtotal(), o.Currency))
	}
	return lines.String()
}

func buildConfirmationText(o *order.Order) string {
	return fmt.Sprintf(`Hi %s,

Thank you for your order. We have received your payment.

Order reference: %s

%s
Total paid: %s

This is an automated message. Reply to this e-mail if you have questions about your order.
`,
		o.Customer.Name,
		o.GatewayOrderRef,
		buildItemLines(o),
		FormatMoney(o.Amount, o.Currency))
}

func buildAdminText(o *order.Order) string {
	s := o.Shipping
	address := strings.Join(nonEmpty(s.Line1, s.Line2, s.City, s.State, s.PostalCode, s.Country), ", ")

	return fmt.Sprintf(`New paid order

Order ID:      %s
Gateway:       %s
Gateway order: %s
Payment:       %s
Customer:      %s <%s> %s
Ship to:       %s
Amount:        %s

%s`,
		o.ID,
		o.Gateway,
		o.GatewayOrderRef,
		o.PaymentRef,
		o.Customer.Name,
		o.Customer.Email,
		o.Customer.Phone,
		address,
		FormatMoney(o.Amount, o.Currency),
		buildItemLines(o))
}

func buildItemRows(o *order.Order) string {
	var rows strings.Builder
	for _, item := range o.Items {
		name := itemLabel(item)
		rows.WriteString(fmt.Sprintf(
			`<tr>
				<td style="padding: 12px; border-bottom: 1px solid #eee;">%s</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee; text-align: center;">%d</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee; text-align: right;">%s</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee; text-align: right;">%s</td>
			</tr>`,
			html.EscapeString(name),
			item.Quantity,
			FormatMoney(item.UnitPrice, o.Currency),
			FormatMoney(item.Subtotal(), o.Currency),
		))
	}
	return rows.String()
}

func buildConfirmationBody(o *order.Order) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
	<div style="background: linear-gradient(135deg, #667eea 0%%, #764ba2 100%%); padding: 30px; border-radius: 10px 10px 0 0;">
		<h1 style="color: white; margin: 0; font-size: 24px;">Thank you for your order</h1>
	</div>

	<div style="background: #fff; padding: 30px; border: 1px solid #eee; border-top: none; border-radius: 0 0 10px 10px;">
		<p style="margin-top: 0;">Hi %s, we have received your payment.</p>

		<div style="background: #f8f9fa; padding: 15px; border-radius: 5px; margin: 20px 0;">
			<p style="margin: 0; font-size: 14px; color: #666;">Order reference</p>
			<p style="margin: 5px 0 0 0; font-size: 18px; font-weight: bold; font-family: monospace;">%s</p>
		</div>

		<table style="width: 100%%; border-collapse: collapse; margin: 20px 0;">
			<thead>
				<tr style="background: #f8f9fa;">
					<th style="padding: 12px; text-align: left; font-weight: 600;">Item</th>
					<th style="padding: 12px; text-align: center; font-weight: 600;">Qty</th>
					<th style="padding: 12px; text-align: right; font-weight: 600;">Price</th>
					<th style="padding: 12px; text-align: right; font-weight: 600;">Subtotal</th>
				</tr>
			</thead>
			<tbody>
				%s
			</tbody>
		</table>

		<div style="text-align: right; padding: 20px; background: #f8f9fa; border-radius: 5px;">
			<span style="font-size: 14px; color: #666;">Total paid</span>
			<span style="font-size: 24px; font-weight: bold; color: #667eea; margin-left: 10px;">%s</span>
		</div>

		<hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">

		<p style="font-size: 12px; color: #999; margin-bottom: 0;">
			This is an automated message. Reply to this e-mail if you have questions about your order.
		</p>
	</div>
</body>
</html>`,
		html.EscapeString(o.Customer.Name),
		html.EscapeString(o.GatewayOrderRef),
		buildItemRows(o),
		FormatMoney(o.Amount, o.Currency))
}

func buildAdminBody(o *order.Order) string {
	s := o.Shipping
	address := strings.Join(nonEmpty(s.Line1, s.Line2, s.City, s.State, s.PostalCode, s.Country), ", ")

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #333; max-width: 640px; margin: 0 auto; padding: 20px;">
	<h2 style="margin-top: 0;">New paid order</h2>
	<table style="border-collapse: collapse; margin-bottom: 20px;">
		<tr><td style="padding: 4px 12px 4px 0; color: #666;">Order ID</td><td style="font-family: monospace;">%s</td></tr>
		<tr><td style="padding: 4px 12px 4px 0; color: #666;">Gateway</td><td>%s</td></tr>
		<tr><td style="padding: 4px 12px 4px 0; color: #666;">Gateway order</td><td style="font-family: monospace;">%s</td></tr>
		<tr><td style="padding: 4px 12px 4px 0; color: #666;">Payment</td><td style="font-family: monospace;">%s</td></tr>
		<tr><td style="padding: 4px 12px 4px 0; color: #666;">Customer</td><td>%s &lt;%s&gt; %s</td></tr>
		<tr><td style="padding: 4px 12px 4px 0; color: #666;">Ship to</td><td>%s</td></tr>
		<tr><td style="padding: 4px 12px 4px 0; color: #666;">Amount</td><td><strong>%s</strong></td></tr>
	</table>
	<table style="width: 100%%; border-collapse: collapse;">
		<tbody>
			%s
		</tbody>
	</table>
</body>
</html>`,
		html.EscapeString(o.ID),
		html.EscapeString(o.Gateway),
		html.EscapeString(o.GatewayOrderRef),
		html.EscapeString(o.PaymentRef),
		html.EscapeString(o.Customer.Name),
		html.EscapeString(o.Customer.Email),
		html.EscapeString(o.Customer.Phone),
		html.EscapeString(address),
		FormatMoney(o.Amount, o.Currency),
		buildItemRows(o))
}

// FormatMoney renders minor units with the currency symbol and thousands
// separators, e.g. 5000000 INR -> "₹50,000.00".
func FormatMoney(minor int64, currency string) string {
	symbol, ok := currencySymbols[currency]
	if !ok {
		symbol = currency + " "
	}

	places := int32(2)
	if zeroDecimal[currency] {
		places = 0
	}

	d := decimal.New(minor, -places)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}

	whole := d.Truncate(0)
	out := sign + symbol + formatNumber(whole.IntPart())
	if places > 0 {
		frac := d.Sub(whole).StringFixed(places)
		out += strings.TrimPrefix(frac, "0")
	}
	return out
}

// formatNumber formats a number with comma separators
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	remainder := len(str) % 3
	if remainder > 0 {
		result.WriteString(str[:remainder])
		result.WriteString(",")
	}

	for i := remainder; i < len(str); i += 3 {
		result.WriteString(str[i : i+3])
		if i+3 < len(str) {
			result.WriteString(",")
		}
	}

	return result.String()
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
