package compare

import (
	"fmt"
	"strings"

	"github.com/dglo/trigger-testbed-sub000/internal/payload"
)

// Mismatch describes the first difference found between two payloads
type Mismatch struct {
	// Path locates the differing node, e.g. "TrigReq#3/payload[1]"
	Path string
	// Field names the differing scalar field; empty for structural mismatches
	Field    string
	Expected interface{}
	Actual   interface{}
	// Reason explains structural mismatches (missing children, count differences)
	Reason string

	expRoot payload.Payload
	actRoot payload.Payload
}

func (m *Mismatch) Error() string {
	var sb strings.Builder
	if m.Path != "" {
		sb.WriteString(m.Path)
		sb.WriteString(": ")
	}
	if m.Field != "" {
		fmt.Fprintf(&sb, "%s expected %v, got %v", m.Field, m.Expected, m.Actual)
		if m.Reason != "" {
			sb.WriteString(" (")
			sb.WriteString(m.Reason)
			sb.WriteString(")")
		}
	} else {
		sb.WriteString(m.Reason)
	}
	return sb.String()
}

// Dump renders both compared trees followed by the mismatch
func (m *Mismatch) Dump() string {
	var sb strings.Builder
	sb.WriteString("Expected:\n")
	dumpTo(&sb, m.expRoot, 1)
	sb.WriteString("Actual:\n")
	dumpTo(&sb, m.actRoot, 1)
	sb.WriteString("Mismatch: ")
	sb.WriteString(m.Error())
	sb.WriteString("\n")
	return sb.String()
}

func fieldMismatch(path, field string, exp, act interface{}) *Mismatch {
	return &Mismatch{Path: path, Field: field, Expected: exp, Actual: act}
}

func structMismatch(path, format string, v ...interface{}) *Mismatch {
	return &Mismatch{Path: path, Reason: fmt.Sprintf(format, v...)}
}

// ========================================
// TREE DUMP
// ========================================

// Dump renders p and its children as an indented tree
func Dump(p payload.Payload) string {
	var sb strings.Builder
	dumpTo(&sb, p, 0)
	return sb.String()
}

func dumpTo(sb *strings.Builder, p payload.Payload, depth int) {
	indent := strings.Repeat("  ", depth)

	switch v := p.(type) {
	case nil:
		fmt.Fprintf(sb, "%s<nil>\n", indent)

	case *payload.TriggerRequest:
		fmt.Fprintf(sb, "%s%s\n", indent, v)
		if v.Request != nil {
			fmt.Fprintf(sb, "%s  RdoutReq[uid %d src %d]\n", indent, v.Request.UID, v.Request.SourceID)
			for _, e := range v.Request.Elements {
				fmt.Fprintf(sb, "%s    %s\n", indent, e)
			}
		}
		for _, child := range v.Payloads {
			dumpTo(sb, child, depth+1)
		}

	case fmt.Stringer:
		fmt.Fprintf(sb, "%s%s\n", indent, v)

	default:
		fmt.Fprintf(sb, "%s%T@%d\n", indent, p, p.Timestamp())
	}
}
