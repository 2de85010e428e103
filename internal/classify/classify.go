package classify

import (
	"regexp"
	"strconv"
	"time"

	"github.com/relaymta/relaymta/internal/mtaerr"
)

// Verdict is the Response Classifier's output for one delivery-attempt
// failure.
type Verdict struct {
	Action   Action
	Category string
	Message  string
	Code     int
}

var smtpCodePrefix = regexp.MustCompile(`^(\d{3})(?:[ -](\d\.\d\.\d))?`)

// Classify implements §4.10's decision tree. err is the attempt failure
// (an *mtaerr.SMTPError for protocol/category-preset errors, or any error
// for a raw SMTP response line); table is the ordered bounce rule set;
// poolDisabled/envelopeEmpty implement the special blacklist-exhaustion
// rule.
func Classify(err error, table *Table, poolDisabled, envelopeEmpty bool) Verdict {
	if smtpErr, ok := err.(*mtaerr.SMTPError); ok {
		v := classifyPreset(smtpErr, table)
		if v.Category == "blacklist" && (poolDisabled || envelopeEmpty) {
			v.Action = ActionReject
		}
		return v
	}

	text := err.Error()
	m := smtpCodePrefix.FindStringSubmatch(text)
	if m == nil {
		return Verdict{Action: ActionDefer, Category: "network", Message: text}
	}

	code, _ := strconv.Atoi(m[1])
	if rule := table.Match(text); rule != nil {
		action := rule.Action
		if rule.Category == "dns" && code <= 500 {
			action = ActionDefer
		}
		if rule.Category == "blacklist" && (poolDisabled || envelopeEmpty) {
			action = ActionReject
		}
		return Verdict{Action: action, Category: rule.Category, Message: rule.Message, Code: code}
	}

	// No rule matched: fall back to the conventional 4xx=temporary,
	// 5xx=permanent SMTP reply-code split.
	action := ActionReject
	if code < 500 {
		action = ActionDefer
	}
	return Verdict{Action: action, Category: "smtp", Message: text, Code: code}
}

func classifyPreset(err *mtaerr.SMTPError, table *Table) Verdict {
	switch err.Category {
	case mtaerr.CategoryHTTP:
		action := ActionDefer
		if err.Code >= 400 && err.Code < 500 {
			action = ActionReject
		}
		return Verdict{Action: action, Category: string(mtaerr.CategoryHTTP), Message: err.Message, Code: err.Code}
	case mtaerr.CategoryDNS, mtaerr.CategoryNetwork, mtaerr.CategoryPolicy:
		action := ActionReject
		if err.Temp || err.Action == mtaerr.ActionDefer {
			action = ActionDefer
		}
		if err.Action != "" {
			action = Action(err.Action)
		}
		return Verdict{Action: action, Category: string(err.Category), Message: err.Message, Code: err.Code}
	default:
		if rule := table.Match(err.Message); rule != nil {
			return Verdict{Action: rule.Action, Category: rule.Category, Message: rule.Message, Code: err.Code}
		}
		action := ActionReject
		if mtaerr.IsTemporaryOrUnspec(err) {
			action = ActionDefer
		}
		return Verdict{Action: action, Category: string(err.Category), Message: err.Message, Code: err.Code}
	}
}

// DeferTTL returns the defer TTL for the given 0-based deferredCount using
// schedule (falling back to DefaultDeferSchedule when schedule is nil), and
// reports whether the delivery should instead be promoted to reject because
// the schedule has been exhausted.
func DeferTTL(deferredCount int, schedule []time.Duration) (ttl time.Duration, exhausted bool) {
	minutes := DefaultDeferSchedule
	if schedule != nil {
		if deferredCount >= len(schedule) {
			return 0, true
		}
		return schedule[deferredCount], false
	}
	if deferredCount >= len(minutes) {
		return 0, true
	}
	return time.Duration(minutes[deferredCount]) * time.Minute, false
}
