package classify

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/relaymta/relaymta/internal/mtaerr"
)

func parseTestRules(t *testing.T, text string) *Table {
	t.Helper()
	table, err := ParseRules(bufio.NewScanner(strings.NewReader(text)))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	return table
}

func TestDeferSchedule(t *testing.T) {
	for i, want := range DefaultDeferSchedule {
		ttl, exhausted := DeferTTL(i, nil)
		if exhausted {
			t.Fatalf("attempt %d should not be exhausted yet", i)
		}
		if ttl != time.Duration(want)*time.Minute {
			t.Errorf("attempt %d: want %dm, got %v", i, want, ttl)
		}
	}
	_, exhausted := DeferTTL(len(DefaultDeferSchedule), nil)
	if !exhausted {
		t.Fatalf("expected schedule exhaustion at the 18th deferral")
	}
}

func TestClassifyTemporarySMTPReply(t *testing.T) {
	table := parseTestRules(t, "")
	v := Classify(errText("421 4.7.1 Try later"), table, false, false)
	if v.Action != ActionDefer {
		t.Fatalf("expected defer, got %v", v.Action)
	}
}

func TestClassifyPermanentSMTPReply(t *testing.T) {
	table := parseTestRules(t, "")
	v := Classify(errText("550 5.1.1 No such user"), table, false, false)
	if v.Action != ActionReject {
		t.Fatalf("expected reject, got %v", v.Action)
	}
}

func TestClassifyRuleTableFirstMatchWins(t *testing.T) {
	table := parseTestRules(t, "spam,reject,policy,blocked for spam\nspam,defer,policy,would not reach this")
	v := Classify(errText("554 5.7.1 message rejected as spam"), table, false, false)
	if v.Action != ActionReject || v.Message != "blocked for spam" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestClassifyMTASTSPolicyMismatchIsPermanent(t *testing.T) {
	table := parseTestRules(t, "")
	err := &mtaerr.SMTPError{Category: mtaerr.CategoryPolicy, Temp: false, Message: "mta-sts mx mismatch"}
	v := Classify(err, table, false, false)
	if v.Action != ActionReject || v.Category != "policy" {
		t.Fatalf("expected policy reject, got %+v", v)
	}
}

func TestClassifyBlacklistPromotesToRejectWhenPoolDisabled(t *testing.T) {
	table := parseTestRules(t, "")
	err := &mtaerr.SMTPError{Category: mtaerr.CategoryBlacklist, Temp: true}
	v := Classify(err, table, true, false)
	if v.Action != ActionReject {
		t.Fatalf("expected forced reject on exhausted pool, got %v", v.Action)
	}
}

func TestClassifyBlacklistRuleTablePromotesToRejectWhenEnvelopeEmpty(t *testing.T) {
	table := parseTestRules(t, "rbl,defer,blacklist,listed by spamhaus")
	v := Classify(errText("550 5.7.1 listed by spamhaus"), table, false, true)
	if v.Action != ActionReject || v.Category != "blacklist" {
		t.Fatalf("expected blacklist rule to promote to reject on empty envelope, got %+v", v)
	}
}

func TestClassifyHTTPSink(t *testing.T) {
	table := parseTestRules(t, "")
	v := Classify(&mtaerr.SMTPError{Category: mtaerr.CategoryHTTP, Code: 404, Message: "not found"}, table, false, false)
	if v.Action != ActionReject {
		t.Fatalf("expected reject for 4xx http, got %v", v.Action)
	}
	v2 := Classify(&mtaerr.SMTPError{Category: mtaerr.CategoryHTTP, Code: 503, Message: "unavailable"}, table, false, false)
	if v2.Action != ActionDefer {
		t.Fatalf("expected defer for 5xx http, got %v", v2.Action)
	}
}

type plainErr string

func (e plainErr) Error() string { return string(e) }

func errText(s string) error { return plainErr(s) }
