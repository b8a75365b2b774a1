package loader

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
)

const (
	syslogAppName = "sink-error-loader"
	syslogSDID    = "sel"
	syslogTimeout = 3 * time.Second

	// local0 facility
	priorityInfo    = 134
	priorityWarning = 132
	priorityError   = 131
)

type SyslogSender interface {
	Send(ctx context.Context, priority int, structuredData string, message string) error
}

// SyslogClient writes RFC 5424 lines over TCP, one connection per message.
type SyslogClient struct {
	addr    string
	timeout time.Duration
}

func NewSyslogClient(addr string) *SyslogClient {
	return &SyslogClient{addr: addr, timeout: syslogTimeout}
}

func (c *SyslogClient) Send(ctx context.Context, priority int, structuredData string, message string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	line := fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n",
		priority, ts, syslogHostname(), syslogAppName, structuredData, strings.TrimSpace(message))

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

// syslogHostname is the HOSTNAME field, NILVALUE when unknown.
func syslogHostname() string {
	host, err := os.Hostname()
	host = strings.ReplaceAll(strings.TrimSpace(host), " ", "_")
	if err != nil || host == "" {
		return "-"
	}
	return host
}

// SyslogReporter ships every run result as one syslog line, so that runs
// can be alerted on without parsing the process log.
type SyslogReporter struct {
	sender      SyslogSender
	destination TableID
}

func NewSyslogReporter(sender SyslogSender, destination TableID) *SyslogReporter {
	return &SyslogReporter{sender: sender, destination: destination}
}

func (r *SyslogReporter) Report(ctx context.Context, result Result) error {
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	msg := map[string]any{
		"run_id":      result.RunID,
		"outcome":     string(result.Outcome),
		"stage":       string(result.Stage),
		"error":       errMsg,
		"column":      string(result.Column),
		"started_at":  result.StartedAt.UTC().Format(time.RFC3339Nano),
		"ended_at":    result.FinishedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms": result.Duration().Milliseconds(),
		"records":     result.Records,
		"inserted":    result.Inserted,
		"rejected":    len(result.RowErrors),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	structured := structuredData(syslogSDID, map[string]string{
		"project":  r.destination.Project,
		"dataset":  r.destination.Dataset,
		"table":    r.destination.Table,
		"outcome":  string(result.Outcome),
		"stage":    string(result.Stage),
		"run_id":   result.RunID,
		"rejected": strconv.Itoa(len(result.RowErrors)),
	})
	return r.sender.Send(ctx, syslogPriority(result.Outcome), structured, string(b))
}

func syslogPriority(outcome Outcome) int {
	switch outcome {
	case OutcomeFailed:
		return priorityError
	case OutcomePartial:
		return priorityWarning
	default:
		return priorityInfo
	}
}

// sdKeyOrder puts the table and run identity first in every element.
var sdKeyOrder = map[string]int{
	"project": 1,
	"dataset": 2,
	"table":   3,
	"outcome": 4,
	"stage":   5,
	"run_id":  6,
}

var sdEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`, "\n", " ", "\r", " ")

// structuredData renders one SD-ELEMENT. Blank params are left out; params
// without a fixed position follow in name order.
func structuredData(id string, params map[string]string) string {
	if id == "" {
		id = syslogSDID
	}
	keys := lo.Filter(lo.Keys(params), func(k string, _ int) bool {
		return strings.TrimSpace(params[k]) != ""
	})
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := sdKeyRank(keys[i]), sdKeyRank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})

	var b strings.Builder
	b.WriteString("[" + id)
	for _, k := range keys {
		fmt.Fprintf(&b, ` %s="%s"`, k, sdEscaper.Replace(params[k]))
	}
	b.WriteString("]")
	return b.String()
}

func sdKeyRank(key string) int {
	if r, ok := sdKeyOrder[key]; ok {
		return r
	}
	return len(sdKeyOrder) + 1
}
