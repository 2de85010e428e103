package mtaerr

import "fmt"

// Category is one of the error kinds spec'd for the engine: dns, network,
// policy (STS/TLS requirement), http (HTTP sink), blacklist (IP-level RBL),
// plugin (raised by a hook), or a rule-matched SMTP category from the bounce
// table.
type Category string

const (
	CategoryDNS       Category = "dns"
	CategoryNetwork   Category = "network"
	CategoryPolicy    Category = "policy"
	CategoryHTTP      Category = "http"
	CategoryBlacklist Category = "blacklist"
	CategoryPlugin    Category = "plugin"
	CategorySMTP      Category = "smtp"
)

// Action is what the Response Classifier decided to do with the delivery
// attempt that produced this error.
type Action string

const (
	ActionDefer  Action = "defer"
	ActionReject Action = "reject"
)

// SMTPError is the structured error value produced by every delivery-attempt
// failure path (SMTP Client, MX Resolver, MTA-STS Handler, HTTP sink) before
// it reaches the Response Classifier. Response is the humanized SMTP text
// surfaced in a bounce/logtrail; Temporary and Action record the classifier's
// verdict once it has run.
type SMTPError struct {
	Code         int
	EnhancedCode [3]int
	Message      string
	Response     string
	Temp         bool
	Action       Action
	Category     Category
	Reason       string
	Logtrail     []string
	Misc         map[string]interface{}
}

func (e *SMTPError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %d %s (%s)", e.Category, e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %d %s", e.Category, e.Code, e.Message)
}

// Temporary satisfies TemporaryErr so IsTemporaryOrUnspec/IsTemporary can
// classify an *SMTPError without a type switch.
func (e *SMTPError) Temporary() bool { return e.Temp }

func (e *SMTPError) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"smtp_code": e.Code,
		"smtp_enhc": e.EnhancedCode,
		"category":  e.Category,
		"msg":       e.Message,
		"temporary": e.Temp,
	}
	for k, v := range e.Misc {
		f[k] = v
	}
	return f
}
