package parser

import (
	"testing"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestParseAuth_FailedPassword(t *testing.T) {
	line := "Mar 10 11:59:30 bastion sshd[4721]: Failed password for admin from 192.168.1.100 port 52344 ssh2"
	ev, ok := ParseAuth(line, testNow)
	if !ok {
		t.Fatal("expected a parse")
	}
	if ev.EventType != event.TypeSSHFailedLogin {
		t.Errorf("event_type = %q, want SSH_FAILED_LOGIN", ev.EventType)
	}
	if ev.Severity != event.SeverityHigh {
		t.Errorf("severity = %q, want HIGH", ev.Severity)
	}
	if ev.SourceIP != "192.168.1.100" {
		t.Errorf("source_ip = %q", ev.SourceIP)
	}
	if ev.Username != "admin" {
		t.Errorf("username = %q", ev.Username)
	}
	want := time.Date(2026, time.March, 10, 11, 59, 30, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v (current-year fill-in)", ev.Timestamp, want)
	}
}

func TestParseAuth_InvalidUserIsFailure(t *testing.T) {
	line := "Mar 10 11:59:30 bastion sshd[4721]: Failed password for invalid user oracle from 10.0.0.9 port 40000 ssh2"
	ev, ok := ParseAuth(line, testNow)
	if !ok || ev.EventType != event.TypeSSHFailedLogin || ev.Username != "oracle" {
		t.Fatalf("got ok=%v type=%q user=%q", ok, ev.EventType, ev.Username)
	}
}

func TestParseAuth_Accepted(t *testing.T) {
	line := "Mar 10 11:59:30 bastion sshd[4721]: Accepted publickey for deploy from 10.1.2.3 port 40001 ssh2"
	ev, ok := ParseAuth(line, testNow)
	if !ok || ev.EventType != event.TypeSSHLoginSuccess || ev.Severity != event.SeverityLow {
		t.Fatalf("got ok=%v type=%q sev=%q", ok, ev.EventType, ev.Severity)
	}
}

func TestParseUFW_PlainTrafficIsLow(t *testing.T) {
	line := "Mar 10 11:58:00 edge kernel: [UFW BLOCK] IN=eth0 OUT= SRC=203.0.113.7 DST=10.0.0.1 PROTO=TCP SPT=55000 DPT=8080"
	ev, ok := ParseUFW(line, testNow)
	if !ok {
		t.Fatal("expected a parse")
	}
	if ev.EventType != event.TypeUFWTraffic || ev.Severity != event.SeverityLow {
		t.Errorf("got type=%q sev=%q", ev.EventType, ev.Severity)
	}
	if ev.DestinationPort != 8080 || ev.Protocol != "TCP" {
		t.Errorf("dpt=%d proto=%q", ev.DestinationPort, ev.Protocol)
	}
}

func TestParseUFW_SuspiciousPortUpgrades(t *testing.T) {
	for _, port := range []string{"22", "23", "1433", "3306"} {
		line := "Mar 10 11:58:00 edge kernel: [UFW BLOCK] IN=eth0 SRC=203.0.113.7 DST=10.0.0.1 PROTO=TCP SPT=55000 DPT=" + port
		ev, ok := ParseUFW(line, testNow)
		if !ok || ev.EventType != event.TypeSuspiciousPortAccess || ev.Severity != event.SeverityHigh {
			t.Errorf("DPT=%s: got ok=%v type=%q sev=%q", port, ok, ev.EventType, ev.Severity)
		}
	}
}

func TestParseIptables_RequiresSrc(t *testing.T) {
	if _, ok := ParseIptables("Mar 10 11:58:00 edge kernel: DPT=80 PROTO=TCP", testNow); ok {
		t.Fatal("line without SRC= must be rejected")
	}
}

func TestParseIptables_Classification(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		wantType string
		wantSev  event.Severity
	}{
		{
			"sql port wins",
			"kernel: IN=eth0 SRC=198.51.100.4 DST=10.0.0.2 PROTO=TCP SPT=4444 DPT=5432 SYN DROP",
			event.TypeSQLAccessAttempt, event.SeverityHigh,
		},
		{
			"syn without ack",
			"kernel: IN=eth0 SRC=198.51.100.4 DST=10.0.0.2 PROTO=TCP SPT=4444 DPT=8080 SYN",
			event.TypeConnectionAttempt, event.SeverityMedium,
		},
		{
			"syn with ack is not a probe",
			"kernel: DROP IN=eth0 SRC=198.51.100.4 DST=10.0.0.2 PROTO=TCP DPT=8080 SYN ACK",
			event.TypeIptablesBlocked, event.SeverityMedium,
		},
		{
			"dropped traffic",
			"kernel: DROP IN=eth0 SRC=198.51.100.4 DST=10.0.0.2 PROTO=UDP DPT=9999",
			event.TypeIptablesBlocked, event.SeverityMedium,
		},
		{
			"plain traffic",
			"kernel: IN=eth0 SRC=198.51.100.4 DST=10.0.0.2 PROTO=TCP DPT=8443 ACK",
			event.TypeConnectionAttempt, event.SeverityLow,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := ParseIptables(tc.line, testNow)
			if !ok {
				t.Fatal("expected a parse")
			}
			if ev.EventType != tc.wantType || ev.Severity != tc.wantSev {
				t.Errorf("got type=%q sev=%q, want %q/%q", ev.EventType, ev.Severity, tc.wantType, tc.wantSev)
			}
		})
	}
}

func TestParseSQL_Injection(t *testing.T) {
	line := `10.9.8.7 - - "GET /search?q=1' UNION SELECT password FROM users;-- HTTP/1.1"`
	ev, ok := ParseSQL(line, testNow)
	if !ok || ev.EventType != event.TypeSQLInjectionAttempt || ev.Severity != event.SeverityCritical {
		t.Fatalf("got ok=%v type=%q sev=%q", ok, ev.EventType, ev.Severity)
	}
}

func TestParseSQL_AuthFailed(t *testing.T) {
	line := "2026-03-10T11:50:00 db01 mysqld: Access denied for user 'root'@'198.51.100.9' (using password: YES)"
	ev, ok := ParseSQL(line, testNow)
	if !ok || ev.EventType != event.TypeSQLAuthFailed || ev.Severity != event.SeverityHigh {
		t.Fatalf("got ok=%v type=%q sev=%q", ok, ev.EventType, ev.Severity)
	}
	if ev.Username != "root" {
		t.Errorf("username = %q, want root", ev.Username)
	}
}

func TestParseSyslog_KeywordUpgrade(t *testing.T) {
	ev, ok := ParseSyslog("Mar 10 11:00:00 gw daemon[1]: connection refused from 172.16.0.9", testNow)
	if !ok || ev.Severity != event.SeverityMedium {
		t.Fatalf("got ok=%v sev=%q, want MEDIUM", ok, ev.Severity)
	}
	ev, ok = ParseSyslog("Mar 10 11:00:00 gw daemon[1]: routine checkpoint for 172.16.0.9", testNow)
	if !ok || ev.Severity != event.SeverityLow {
		t.Fatalf("got ok=%v sev=%q, want LOW", ok, ev.Severity)
	}
}

func TestDispatch_NeverPartial(t *testing.T) {
	lines := []string{
		"",
		"no address here at all",
		"Failed password for admin from 192.168.1.100 port 1 ssh2",
		"[UFW BLOCK] SRC=1.2.3.4 DPT=22",
		"kernel: SRC=5.6.7.8 DPT=5432",
		"garbage 300.400.500.600 still parses as syslog",
		"' OR 1=1;-- from 9.9.9.9",
	}
	for _, line := range lines {
		ev, ok := Dispatch(line, "", testNow)
		if !ok {
			continue
		}
		if ev.SourceIP == "" || ev.Timestamp.IsZero() {
			t.Errorf("partial record for %q: %+v", line, ev)
		}
		if !event.KnownTypes[ev.EventType] {
			t.Errorf("unknown event type %q for %q", ev.EventType, line)
		}
		if !ev.Severity.Valid() {
			t.Errorf("invalid severity %q for %q", ev.Severity, line)
		}
	}
}

func TestDispatch_HintRouting(t *testing.T) {
	// A line that both the auth and syslog parsers accept: the hint decides
	// which log_source it is attributed to.
	line := "Mar 10 11:59:30 bastion sshd[1]: Failed password for admin from 192.168.1.100 port 1 ssh2"
	ev, ok := Dispatch(line, "auth", testNow)
	if !ok || ev.LogSource != "auth" {
		t.Fatalf("hinted dispatch: ok=%v log_source=%q", ok, ev.LogSource)
	}

	// An unknown hint falls through to content sniffing.
	ev, ok = Dispatch(line, "mystery", testNow)
	if !ok || ev.EventType != event.TypeSSHFailedLogin {
		t.Fatalf("sniffed dispatch: ok=%v type=%q", ok, ev.EventType)
	}
}

func TestDispatch_TimestampFallsBackToNow(t *testing.T) {
	ev, ok := Dispatch("[UFW BLOCK] SRC=1.2.3.4 DPT=80", "ufw", testNow)
	if !ok {
		t.Fatal("expected a parse")
	}
	if !ev.Timestamp.Equal(testNow) {
		t.Errorf("timestamp = %v, want now fallback %v", ev.Timestamp, testNow)
	}
}
